// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 is a cloud driver that creates compute nodes as Amazon
// EC2 instances.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// tagPrefix is prepended to every tag key the driver sets, so
// Tags() can tell them apart from tags set by other tools.
const tagPrefix = "cloudops-"

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

// sliceOrSingleString accepts either a JSON string or a JSON array
// of strings. An empty string means an empty slice.
type sliceOrSingleString []string

func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*ss = nil
		return nil
	}
	if data[0] == '[' {
		var slice []string
		if err := json.Unmarshal(data, &slice); err != nil {
			return err
		}
		if len(slice) == 0 {
			*ss = nil
		} else {
			*ss = slice
		}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*ss = nil
	} else {
		*ss = []string{str}
	}
	return nil
}

type ec2InstanceSetConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	SecurityGroupIDs sliceOrSingleString
	// Subnets are tried in order until one has capacity.
	SubnetID      sliceOrSingleString
	AdminUsername string
	KeyPairName   string
	// Public key material to import as KeyPairName, if set.
	PublicKey string
}

type ec2Interface interface {
	ImportKeyPair(context.Context, *ec2.ImportKeyPairInput, ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ec2InstanceSet struct {
	ec2config ec2InstanceSetConfig
	tags      cloud.Tags
	logger    logrus.FieldLogger
	client    ec2Interface

	mtx         sync.Mutex
	importedKey bool
	// index into SubnetID of the subnet that worked last time
	currentSubnet int
}

func newInstanceSet(raw json.RawMessage, tags cloud.Tags, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &ec2InstanceSet{
		tags:   tags,
		logger: logger,
	}
	if err := json.Unmarshal(raw, &is.ec2config); err != nil {
		return nil, fmt.Errorf("ec2 driver parameters: %w", err)
	}
	awscfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(is.ec2config.Region),
		func(o *config.LoadOptions) error {
			if is.ec2config.AccessKeyID == "" && is.ec2config.SecretAccessKey == "" {
				// Use default sdk behavior (IAM / IMDS)
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     is.ec2config.AccessKeyID,
					SecretAccessKey: is.ec2config.SecretAccessKey,
					Source:          "cloudops configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	is.client = ec2.NewFromConfig(awscfg)
	return is, nil
}

func (is *ec2InstanceSet) ec2Tags(tags cloud.Tags) []types.Tag {
	var ec2tags []types.Tag
	for _, src := range []cloud.Tags{is.tags, tags} {
		for k, v := range src {
			ec2tags = append(ec2tags, types.Tag{
				Key:   aws.String(tagPrefix + k),
				Value: aws.String(v),
			})
		}
	}
	return ec2tags
}

func (is *ec2InstanceSet) Create(ctx context.Context, it cloudops.InstanceType, image string, tags cloud.Tags) (cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if !is.importedKey && is.ec2config.PublicKey != "" {
		_, err := is.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(is.ec2config.KeyPairName),
			PublicKeyMaterial: []byte(is.ec2config.PublicKey),
		})
		var aerr smithy.APIError
		if err != nil && !(errors.As(err, &aerr) && aerr.ErrorCode() == "InvalidKeyPair.Duplicate") {
			return nil, wrapError(err)
		}
		is.importedKey = true
	}

	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: types.InstanceType(it.ProviderType),
		MaxCount:     aws.Int32(1),
		MinCount:     aws.Int32(1),
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   is.ec2config.SecurityGroupIDs,
		}},
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\n"))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         is.ec2Tags(tags),
		}},
	}
	if is.ec2config.KeyPairName != "" {
		rii.KeyName = aws.String(is.ec2config.KeyPairName)
	}
	if it.Preemptible {
		rii.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
				MaxPrice:                     aws.String(fmt.Sprintf("%v", it.Price)),
			},
		}
	}

	var rsv *ec2.RunInstancesOutput
	var err error
	subnets := is.ec2config.SubnetID
	if len(subnets) == 0 {
		rsv, err = is.client.RunInstances(ctx, &rii)
	}
	for tries := 0; tries < len(subnets); tries++ {
		i := (is.currentSubnet + tries) % len(subnets)
		rii.NetworkInterfaces[0].SubnetId = aws.String(subnets[i])
		rsv, err = is.client.RunInstances(ctx, &rii)
		if err == nil {
			is.currentSubnet = i
			break
		}
		if !isCapacityError(err) {
			break
		}
		is.logger.WithError(err).WithField("SubnetID", subnets[i]).Warn("RunInstances failed, trying next subnet")
	}
	if err != nil {
		return nil, wrapError(err)
	}
	if len(rsv.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instances")
	}
	return &ec2Instance{provider: is, instance: rsv.Instances[0]}, nil
}

func (is *ec2InstanceSet) Instances(ctx context.Context, tags cloud.Tags) ([]cloud.Instance, error) {
	var filters []types.Filter
	for _, src := range []cloud.Tags{is.tags, tags} {
		for k, v := range src {
			filters = append(filters, types.Filter{
				Name:   aws.String("tag:" + tagPrefix + k),
				Values: []string{v},
			})
		}
	}
	dii := &ec2.DescribeInstancesInput{Filters: filters}
	var instances []cloud.Instance
	for {
		dio, err := is.client.DescribeInstances(ctx, dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
					continue
				}
				instances = append(instances, &ec2Instance{provider: is, instance: inst})
			}
		}
		if dio.NextToken == nil || *dio.NextToken == "" {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (is *ec2InstanceSet) Stop() {}

type ec2Instance struct {
	provider *ec2InstanceSet
	instance types.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(aws.ToString(inst.instance.InstanceId))
}

func (inst *ec2Instance) String() string {
	return aws.ToString(inst.instance.InstanceId)
}

func (inst *ec2Instance) ProviderType() string {
	return string(inst.instance.InstanceType)
}

func (inst *ec2Instance) Tags() cloud.Tags {
	tags := cloud.Tags{}
	for _, t := range inst.instance.Tags {
		if k := aws.ToString(t.Key); strings.HasPrefix(k, tagPrefix) {
			tags[strings.TrimPrefix(k, tagPrefix)] = aws.ToString(t.Value)
		}
	}
	return tags
}

func (inst *ec2Instance) Destroy(ctx context.Context) error {
	inst.provider.logger.WithField("Instance", inst.String()).Info("terminating")
	_, err := inst.provider.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{aws.ToString(inst.instance.InstanceId)},
	})
	return wrapError(err)
}

func (inst *ec2Instance) Address() string {
	return aws.ToString(inst.instance.PrivateIpAddress)
}

func (inst *ec2Instance) RemoteUser() string {
	return inst.provider.ec2config.AdminUsername
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error { return err.error }

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool { return true }

func (err quotaError) Unwrap() error { return err.error }

var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity":      true,
	"InsufficientFreeAddressesInSubnet": true,
	"Unsupported":                       true,
}

var quotaCodes = map[string]bool{
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
	"InsufficientInstanceCapacity": true,
}

func isCapacityError(err error) bool {
	var aerr smithy.APIError
	return errors.As(err, &aerr) && capacityCodes[aerr.ErrorCode()]
}

// wrapError attaches RateLimitError or QuotaError behavior to
// provider errors that call for it.
func wrapError(err error) error {
	var aerr smithy.APIError
	if err == nil || !errors.As(err, &aerr) {
		return err
	}
	switch code := aerr.ErrorCode(); {
	case code == "RequestLimitExceeded":
		return rateLimitError{error: err, earliestRetry: time.Now().Add(time.Minute)}
	case quotaCodes[code]:
		return quotaError{err}
	}
	return err
}
