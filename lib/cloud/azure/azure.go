// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package azure is a cloud driver that creates compute nodes as
// Azure virtual machines.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/endpoints"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

// tagPrefix is prepended to every tag key the driver sets, so
// Tags() can tell them apart from tags set by other tools.
const tagPrefix = "cloudops-"

const createdAtTag = "created-at"

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type azureInstanceSetConfig struct {
	SubscriptionID string
	// Service principal credentials. If ClientSecret is empty, the
	// host's managed identity is used.
	ClientID     string
	ClientSecret string
	TenantID     string
	// Cloud name as accepted by Credentials.Environment, e.g.
	// "AzurePublicCloud" or "AzureUSGovernmentCloud".
	CloudEnvironment               string
	ResourceGroup                  string
	ImageResourceGroup             string
	Location                       string
	Network                        string
	NetworkResourceGroup           string
	Subnet                         string
	SharedImageGalleryName         string
	SharedImageGalleryImageVersion string
	// NICs and disks left behind by failed creates are deleted
	// after this long.
	DeleteDanglingResourcesAfter cloudops.Duration
	AdminUsername                string
	// Authorized key installed for AdminUsername.
	PublicKey string
}

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error)
	delete(ctx context.Context, resourceGroupName string, VMName string) (*http.Response, error)
	listComplete(ctx context.Context, resourceGroupName string) (compute.VirtualMachineListResultIterator, error)
}

type virtualMachinesClientImpl struct {
	inner compute.VirtualMachinesClient
}

func (cl *virtualMachinesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, VMName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) delete(ctx context.Context, resourceGroupName string, VMName string) (*http.Response, error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, VMName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) listComplete(ctx context.Context, resourceGroupName string) (compute.VirtualMachineListResultIterator, error) {
	r, err := cl.inner.ListComplete(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters network.Interface) (network.Interface, error)
	delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (*http.Response, error)
	listComplete(ctx context.Context, resourceGroupName string) (network.InterfaceListResultIterator, error)
}

type interfacesClientImpl struct {
	inner network.InterfacesClient
}

func (cl *interfacesClientImpl) delete(ctx context.Context, resourceGroupName string, nicName string) (*http.Response, error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, nicName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

func (cl *interfacesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, nicName string, parameters network.Interface) (network.Interface, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, nicName, parameters)
	if err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *interfacesClientImpl) listComplete(ctx context.Context, resourceGroupName string) (network.InterfaceListResultIterator, error) {
	r, err := cl.inner.ListComplete(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

type disksClientWrapper interface {
	listByResourceGroup(ctx context.Context, resourceGroupName string) (compute.DiskListPage, error)
	delete(ctx context.Context, resourceGroupName string, diskName string) (compute.DisksDeleteFuture, error)
}

type disksClientImpl struct {
	inner compute.DisksClient
}

func (cl *disksClientImpl) listByResourceGroup(ctx context.Context, resourceGroupName string) (compute.DiskListPage, error) {
	r, err := cl.inner.ListByResourceGroup(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

func (cl *disksClientImpl) delete(ctx context.Context, resourceGroupName string, diskName string) (compute.DisksDeleteFuture, error) {
	r, err := cl.inner.Delete(ctx, resourceGroupName, diskName)
	return r, wrapAzureError(err)
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

// wrapAzureError attaches RateLimitError or QuotaError behavior to
// provider errors that call for it.
func wrapAzureError(err error) error {
	var de autorest.DetailedError
	if !errors.As(err, &de) {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok || rq.Response == nil {
		return err
	}
	if ra := rq.Response.Header.Get("Retry-After"); rq.Response.StatusCode == http.StatusTooManyRequests || ra != "" {
		return &azureRateLimitError{*rq, retryAfter(ra, time.Now())}
	}
	if rq.ServiceError == nil {
		return err
	}
	if quotaRe.MatchString(rq.ServiceError.Code) || quotaRe.MatchString(rq.ServiceError.Message) {
		return &azureQuotaError{*rq}
	}
	return err
}

// retryAfter interprets a Retry-After header, which is either an
// HTTP date or a number of seconds. Anything else means 20 seconds.
func retryAfter(ra string, now time.Time) time.Time {
	if t, err := http.ParseTime(ra); err == nil {
		return t
	}
	if sec, err := strconv.ParseInt(ra, 10, 64); err == nil {
		return now.Add(time.Duration(sec) * time.Second)
	}
	return now.Add(20 * time.Second)
}

type azureInstanceSet struct {
	azconfig           azureInstanceSetConfig
	vmClient           virtualMachinesClientWrapper
	netClient          interfacesClientWrapper
	disksClient        disksClientWrapper
	imageResourceGroup string
	tags               cloud.Tags
	namePrefix         string
	ctx                context.Context
	stopFunc           context.CancelFunc
	stopWg             sync.WaitGroup
	deleteNIC          chan string
	deleteDisk         chan string
	logger             logrus.FieldLogger
}

func newInstanceSet(raw json.RawMessage, tags cloud.Tags, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	var azcfg azureInstanceSetConfig
	if err := json.Unmarshal(raw, &azcfg); err != nil {
		return nil, fmt.Errorf("azure driver parameters: %w", err)
	}
	if azcfg.PublicKey == "" {
		return nil, errors.New("azure driver parameters: PublicKey must be set")
	}
	res, err := endpoints.NewResolver(azcfg.CloudEnvironment)
	if err != nil {
		return nil, fmt.Errorf("azure driver parameters: %w", err)
	}
	env := res.Environment()

	var authorizer autorest.Authorizer
	if azcfg.ClientSecret != "" {
		authorizer, err = auth.ClientCredentialsConfig{
			ClientID:     azcfg.ClientID,
			ClientSecret: azcfg.ClientSecret,
			TenantID:     azcfg.TenantID,
			Resource:     env.ResourceManagerEndpoint,
			AADEndpoint:  env.ActiveDirectoryEndpoint,
		}.Authorizer()
	} else {
		msi := auth.NewMSIConfig()
		msi.Resource = env.ResourceManagerEndpoint
		msi.ClientID = azcfg.ClientID
		authorizer, err = msi.Authorizer()
	}
	if err != nil {
		return nil, fmt.Errorf("azure authorizer: %w", err)
	}

	vmClient := compute.NewVirtualMachinesClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	netClient := network.NewInterfacesClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	disksClient := compute.NewDisksClientWithBaseURI(env.ResourceManagerEndpoint, azcfg.SubscriptionID)
	vmClient.Authorizer = authorizer
	netClient.Authorizer = authorizer
	disksClient.Authorizer = authorizer

	az := newAzureInstanceSet(azcfg, tags, logger)
	az.vmClient = &virtualMachinesClientImpl{vmClient}
	az.netClient = &interfacesClientImpl{netClient}
	az.disksClient = &disksClientImpl{disksClient}
	az.start()
	return az, nil
}

// newAzureInstanceSet returns an instance set without clients or
// background workers.
func newAzureInstanceSet(azcfg azureInstanceSetConfig, tags cloud.Tags, logger logrus.FieldLogger) *azureInstanceSet {
	az := &azureInstanceSet{
		azconfig:           azcfg,
		imageResourceGroup: azcfg.ImageResourceGroup,
		tags:               tags,
		namePrefix:         "cloudops-",
		logger:             logger,
		deleteNIC:          make(chan string),
		deleteDisk:         make(chan string),
	}
	if az.imageResourceGroup == "" {
		az.imageResourceGroup = azcfg.ResourceGroup
	}
	if az.azconfig.DeleteDanglingResourcesAfter <= 0 {
		az.azconfig.DeleteDanglingResourcesAfter = cloudops.Duration(20 * time.Minute)
	}
	az.ctx, az.stopFunc = context.WithCancel(context.Background())
	return az
}

// start the garbage collector and its delete workers.
func (az *azureInstanceSet) start() {
	az.stopWg.Add(1)
	go func() {
		defer az.stopWg.Done()
		tk := time.NewTicker(5 * time.Minute)
		defer tk.Stop()
		for {
			select {
			case <-az.ctx.Done():
				return
			case <-tk.C:
				az.manageNics()
				az.manageDisks()
			}
		}
	}()

	for i := 0; i < 4; i++ {
		go func() {
			for nicname := range az.deleteNIC {
				if _, err := az.netClient.delete(context.Background(), az.azconfig.ResourceGroup, nicname); err != nil {
					az.logger.WithError(err).Warnf("error deleting NIC %s", nicname)
				} else {
					az.logger.Infof("deleted NIC %s", nicname)
				}
			}
		}()
		go func() {
			for diskname := range az.deleteDisk {
				if _, err := az.disksClient.delete(az.ctx, az.imageResourceGroup, diskname); err != nil {
					az.logger.WithError(err).Warnf("error deleting disk %s", diskname)
				} else {
					az.logger.Infof("deleted disk %s", diskname)
				}
			}
		}()
	}
}

func (az *azureInstanceSet) azureTags(tags cloud.Tags) map[string]*string {
	aztags := map[string]*string{}
	for _, src := range []cloud.Tags{az.tags, tags} {
		for k, v := range src {
			aztags[tagPrefix+k] = to.StringPtr(v)
		}
	}
	return aztags
}

func (az *azureInstanceSet) cleanupNic(nic network.Interface) {
	_, err := az.netClient.delete(context.Background(), az.azconfig.ResourceGroup, *nic.Name)
	if err != nil {
		az.logger.WithError(err).Warn("error cleaning up NIC after failed create")
	}
}

func (az *azureInstanceSet) imageID(image string) (string, error) {
	prefix := "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.imageResourceGroup + "/providers/Microsoft.Compute/"
	gallery, version := az.azconfig.SharedImageGalleryName, az.azconfig.SharedImageGalleryImageVersion
	switch {
	case strings.HasPrefix(image, "/subscriptions/"):
		return image, nil
	case gallery != "" && version != "":
		return prefix + "galleries/" + gallery + "/images/" + image + "/versions/" + version, nil
	case gallery != "" || version != "":
		return "", errors.New("invalid configuration: SharedImageGalleryName and SharedImageGalleryImageVersion must both be set or both be empty")
	default:
		return prefix + "images/" + image, nil
	}
}

func (az *azureInstanceSet) Create(ctx context.Context, it cloudops.InstanceType, image string, newTags cloud.Tags) (cloud.Instance, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	imageID, err := az.imageID(image)
	if err != nil {
		return nil, err
	}
	name, err := randutil.String(15, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return nil, err
	}
	name = az.namePrefix + name

	tags := az.azureTags(newTags)
	tags[createdAtTag] = to.StringPtr(time.Now().Format(time.RFC3339Nano))

	networkResourceGroup := az.azconfig.NetworkResourceGroup
	if networkResourceGroup == "" {
		networkResourceGroup = az.azconfig.ResourceGroup
	}
	nicParameters := network.Interface{
		Location: &az.azconfig.Location,
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{{
				Name: to.StringPtr("ip1"),
				InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
					Subnet: &network.Subnet{
						ID: to.StringPtr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualnetworks/%s/subnets/%s",
							az.azconfig.SubscriptionID,
							networkResourceGroup,
							az.azconfig.Network,
							az.azconfig.Subnet)),
					},
					PrivateIPAllocationMethod: network.Dynamic,
				},
			}},
		},
	}
	nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name+"-nic", nicParameters)
	if err != nil {
		return nil, wrapAzureError(err)
	}

	vmParameters := compute.VirtualMachine{
		Location: &az.azconfig.Location,
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(it.ProviderType),
			},
			StorageProfile: &compute.StorageProfile{
				ImageReference: &compute.ImageReference{ID: to.StringPtr(imageID)},
				OsDisk: &compute.OSDisk{
					OsType:       compute.Linux,
					Name:         to.StringPtr(name + "-os"),
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{{
					ID: nic.ID,
					NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
						Primary: to.BoolPtr(true),
					},
				}},
			},
			OsProfile: &compute.OSProfile{
				ComputerName:  &name,
				AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
				LinuxConfiguration: &compute.LinuxConfiguration{
					DisablePasswordAuthentication: to.BoolPtr(true),
					SSH: &compute.SSHConfiguration{
						PublicKeys: &[]compute.SSHPublicKey{{
							Path:    to.StringPtr("/home/" + az.azconfig.AdminUsername + "/.ssh/authorized_keys"),
							KeyData: to.StringPtr(az.azconfig.PublicKey),
						}},
					},
				},
			},
		},
	}
	if it.Preemptible {
		// -1 means pay up to the regular price, so the node is
		// only evicted for capacity reasons.
		vmParameters.VirtualMachineProperties.Priority = compute.Spot
		vmParameters.VirtualMachineProperties.EvictionPolicy = compute.Delete
		vmParameters.VirtualMachineProperties.BillingProfile = &compute.BillingProfile{MaxPrice: to.Float64Ptr(-1)}
	}

	vm, err := az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, vmParameters)
	if err != nil {
		// NICs count against a quota, so don't wait for the
		// garbage collector. Orphaned disks are left to
		// manageDisks.
		az.cleanupNic(nic)
		return nil, wrapAzureError(err)
	}
	return &azureInstance{provider: az, nic: nic, vm: vm}, nil
}

func (az *azureInstanceSet) Instances(ctx context.Context, tags cloud.Tags) ([]cloud.Instance, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	interfaces, err := az.manageNics()
	if err != nil {
		return nil, err
	}
	want := az.azureTags(tags)

	result, err := az.vmClient.listComplete(ctx, az.azconfig.ResourceGroup)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	var instances []cloud.Instance
	for ; result.NotDone(); err = result.Next() {
		if err != nil {
			return nil, wrapAzureError(err)
		}
		vm := result.Value()
		if !hasTags(vm.Tags, want) {
			continue
		}
		inst := &azureInstance{provider: az, vm: vm}
		if np := vm.NetworkProfile; np != nil && np.NetworkInterfaces != nil && len(*np.NetworkInterfaces) > 0 {
			if id := (*np.NetworkInterfaces)[0].ID; id != nil {
				inst.nic = interfaces[*id]
			}
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func hasTags(have, want map[string]*string) bool {
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv == nil || *hv != *v {
			return false
		}
	}
	return true
}

// manageNics returns the driver's NICs that are attached to VMs,
// keyed by ID. Unattached NICs whose created-at tag is older than
// DeleteDanglingResourcesAfter are queued for deletion.
func (az *azureInstanceSet) manageNics() (map[string]network.Interface, error) {
	az.stopWg.Add(1)
	defer az.stopWg.Done()

	result, err := az.netClient.listComplete(az.ctx, az.azconfig.ResourceGroup)
	if err != nil {
		return nil, wrapAzureError(err)
	}

	interfaces := make(map[string]network.Interface)
	threshold := time.Now().Add(-az.azconfig.DeleteDanglingResourcesAfter.Duration())
	for ; result.NotDone(); err = result.Next() {
		if err != nil {
			az.logger.WithError(err).Warn("error listing NICs")
			return interfaces, nil
		}
		nic := result.Value()
		if nic.Name == nil || !strings.HasPrefix(*nic.Name, az.namePrefix) {
			continue
		}
		if nic.VirtualMachine != nil {
			interfaces[*nic.ID] = nic
			continue
		}
		if ts := nic.Tags[createdAtTag]; ts != nil {
			createdAt, err := time.Parse(time.RFC3339Nano, *ts)
			if err == nil && createdAt.Before(threshold) {
				az.logger.Infof("deleting NIC %s: unattached since %s", *nic.Name, createdAt)
				select {
				case az.deleteNIC <- *nic.Name:
				case <-az.ctx.Done():
					return interfaces, nil
				}
			}
		}
	}
	return interfaces, nil
}

// manageDisks deletes the driver's OS disks that are unattached and
// were created more than DeleteDanglingResourcesAfter ago. Managed
// disks have no modification time.
func (az *azureInstanceSet) manageDisks() {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(az.namePrefix) + `.*-os$`)
	threshold := time.Now().Add(-az.azconfig.DeleteDanglingResourcesAfter.Duration())

	response, err := az.disksClient.listByResourceGroup(az.ctx, az.imageResourceGroup)
	if err != nil {
		az.logger.WithError(err).Warn("error listing disks")
		return
	}
	for ; response.NotDone(); err = response.Next() {
		if err != nil {
			az.logger.WithError(err).Warn("error getting next page of disks")
			return
		}
		for _, d := range response.Values() {
			if d.DiskProperties == nil || d.Name == nil || !re.MatchString(*d.Name) ||
				d.DiskProperties.DiskState != compute.Unattached ||
				d.DiskProperties.TimeCreated == nil ||
				!d.DiskProperties.TimeCreated.ToTime().Before(threshold) {
				continue
			}
			az.logger.Infof("deleting disk %s: unattached, created %s", *d.Name, d.DiskProperties.TimeCreated.ToTime())
			select {
			case az.deleteDisk <- *d.Name:
			case <-az.ctx.Done():
				return
			}
		}
	}
}

func (az *azureInstanceSet) Stop() {
	az.stopFunc()
	az.stopWg.Wait()
	close(az.deleteNIC)
	close(az.deleteDisk)
}

type azureInstance struct {
	provider *azureInstanceSet
	nic      network.Interface
	vm       compute.VirtualMachine
}

func (ai *azureInstance) ID() cloud.InstanceID {
	return cloud.InstanceID(*ai.vm.ID)
}

func (ai *azureInstance) String() string {
	return *ai.vm.Name
}

func (ai *azureInstance) ProviderType() string {
	return string(ai.vm.VirtualMachineProperties.HardwareProfile.VMSize)
}

func (ai *azureInstance) Tags() cloud.Tags {
	tags := cloud.Tags{}
	for k, v := range ai.vm.Tags {
		if strings.HasPrefix(k, tagPrefix) && v != nil {
			tags[strings.TrimPrefix(k, tagPrefix)] = *v
		}
	}
	return tags
}

func (ai *azureInstance) Destroy(ctx context.Context) error {
	ai.provider.stopWg.Add(1)
	defer ai.provider.stopWg.Done()
	ai.provider.logger.WithField("Instance", ai.String()).Info("deleting")
	_, err := ai.provider.vmClient.delete(ctx, ai.provider.azconfig.ResourceGroup, *ai.vm.Name)
	return wrapAzureError(err)
}

func (ai *azureInstance) Address() string {
	if iprops := ai.nic.InterfacePropertiesFormat; iprops == nil {
		return ""
	} else if ipconfs := iprops.IPConfigurations; ipconfs == nil || len(*ipconfs) == 0 {
		return ""
	} else if ipconfprops := (*ipconfs)[0].InterfaceIPConfigurationPropertiesFormat; ipconfprops == nil {
		return ""
	} else if addr := ipconfprops.PrivateIPAddress; addr == nil {
		return ""
	} else {
		return *addr
	}
}

func (ai *azureInstance) RemoteUser() string {
	return ai.provider.azconfig.AdminUsername
}
