// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/lib/cloud/cloudtest"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

type sliceOrStringSuite struct{}

var _ = check.Suite(&sliceOrStringSuite{})

func (s *sliceOrStringSuite) TestUnmarshal(c *check.C) {
	for _, trial := range []struct {
		input  string
		output sliceOrSingleString
	}{
		{``, nil},
		{`""`, nil},
		{`[]`, nil},
		{`"foo"`, sliceOrSingleString{"foo"}},
		{`["foo"]`, sliceOrSingleString{"foo"}},
		{`[foo]`, sliceOrSingleString{"foo"}},
		{`["foo", "bar"]`, sliceOrSingleString{"foo", "bar"}},
		{`[foo-bar, baz]`, sliceOrSingleString{"foo-bar", "baz"}},
	} {
		c.Logf("trial: %+v", trial)
		var conf ec2InstanceSetConfig
		err := yaml.Unmarshal([]byte("SubnetID: "+trial.input+"\n"), &conf)
		if !c.Check(err, check.IsNil) {
			continue
		}
		c.Check(conf.SubnetID, check.DeepEquals, trial.output)
	}
}

type ec2stub struct {
	mtx                sync.Mutex
	nextID             int
	instances          []types.Instance
	importKeyPairCalls []*ec2.ImportKeyPairInput
	runInstancesCalls  []*ec2.RunInstancesInput
	// RunInstances fails with this error if the subnet matches.
	subnetError map[string]error
}

func (e *ec2stub) ImportKeyPair(ctx context.Context, input *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.importKeyPairCalls = append(e.importKeyPairCalls, input)
	return &ec2.ImportKeyPairOutput{}, nil
}

func (e *ec2stub) RunInstances(ctx context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.runInstancesCalls = append(e.runInstancesCalls, input)
	if subnet := input.NetworkInterfaces[0].SubnetId; subnet != nil {
		if err := e.subnetError[*subnet]; err != nil {
			return nil, err
		}
	}
	e.nextID++
	inst := types.Instance{
		InstanceId:       aws.String(fmt.Sprintf("i-%08d", e.nextID)),
		InstanceType:     input.InstanceType,
		PrivateIpAddress: aws.String(fmt.Sprintf("10.0.0.%d", e.nextID)),
		Tags:             input.TagSpecifications[0].Tags,
		State:            &types.InstanceState{Name: types.InstanceStateNamePending},
	}
	e.instances = append(e.instances, inst)
	return &ec2.RunInstancesOutput{Instances: []types.Instance{inst}}, nil
}

func (e *ec2stub) DescribeInstances(ctx context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var matched []types.Instance
	for _, inst := range e.instances {
		if matchFilters(inst, input.Filters) {
			matched = append(matched, inst)
		}
	}
	// one instance per page, to exercise pagination
	start := 0
	if input.NextToken != nil {
		fmt.Sscanf(*input.NextToken, "%d", &start)
	}
	out := &ec2.DescribeInstancesOutput{}
	if start < len(matched) {
		out.Reservations = []types.Reservation{{Instances: matched[start : start+1]}}
		if start+1 < len(matched) {
			out.NextToken = aws.String(fmt.Sprint(start + 1))
		}
	}
	return out, nil
}

func matchFilters(inst types.Instance, filters []types.Filter) bool {
	for _, f := range filters {
		found := false
		for _, t := range inst.Tags {
			if "tag:"+aws.ToString(t.Key) == aws.ToString(f.Name) && aws.ToString(t.Value) == f.Values[0] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *ec2stub) TerminateInstances(ctx context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for i, inst := range e.instances {
		if aws.ToString(inst.InstanceId) == input.InstanceIds[0] {
			e.instances[i].State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

type EC2InstanceSetSuite struct{}

var _ = check.Suite(&EC2InstanceSetSuite{})

var testInstanceType = cloudops.InstanceType{
	Name:         "tiny",
	ProviderType: "t3.small",
	VCPUs:        2,
	RAM:          2 << 30,
	Price:        .02,
}

func (s *EC2InstanceSetSuite) setup(c *check.C, params string) (*ec2InstanceSet, *ec2stub) {
	is, err := newInstanceSet(json.RawMessage(params), cloud.Tags{"cluster": "test"}, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	stub := &ec2stub{subnetError: map[string]error{}}
	is.(*ec2InstanceSet).client = stub
	return is.(*ec2InstanceSet), stub
}

func (s *EC2InstanceSetSuite) TestInstanceSet(c *check.C) {
	is, stub := s.setup(c, `{"Region":"us-east-1","AdminUsername":"cloudops","KeyPairName":"k","PublicKey":"ssh-ed25519 AAAA"}`)
	cloudtest.CheckInstanceSet(c, is, testInstanceType, "ami-1234")
	c.Check(stub.importKeyPairCalls, check.HasLen, 1)
	c.Assert(stub.runInstancesCalls, check.HasLen, 2)
	rii := stub.runInstancesCalls[0]
	c.Check(aws.ToString(rii.ImageId), check.Equals, "ami-1234")
	c.Check(aws.ToString(rii.KeyName), check.Equals, "k")
	c.Check(rii.InstanceMarketOptions, check.IsNil)
}

func (s *EC2InstanceSetSuite) TestInstanceFields(c *check.C) {
	is, _ := s.setup(c, `{"Region":"us-east-1","AdminUsername":"cloudops"}`)
	inst, err := is.Create(context.Background(), testInstanceType, "ami-1", cloud.Tags{"pool": "p1"})
	c.Assert(err, check.IsNil)
	c.Check(inst.Address(), check.Equals, "10.0.0.1")
	c.Check(inst.RemoteUser(), check.Equals, "cloudops")
	c.Check(inst.ProviderType(), check.Equals, "t3.small")
	c.Check(inst.Tags(), check.DeepEquals, cloud.Tags{"cluster": "test", "pool": "p1"})
}

func (s *EC2InstanceSetSuite) TestPreemptible(c *check.C) {
	is, stub := s.setup(c, `{"Region":"us-east-1"}`)
	it := testInstanceType
	it.Preemptible = true
	_, err := is.Create(context.Background(), it, "ami-1", nil)
	c.Assert(err, check.IsNil)
	mo := stub.runInstancesCalls[0].InstanceMarketOptions
	c.Assert(mo, check.NotNil)
	c.Check(mo.MarketType, check.Equals, types.MarketTypeSpot)
	c.Check(aws.ToString(mo.SpotOptions.MaxPrice), check.Equals, "0.02")
}

func (s *EC2InstanceSetSuite) TestSubnetFailover(c *check.C) {
	is, stub := s.setup(c, `{"Region":"us-east-1","SubnetID":["subnet-a","subnet-b"]}`)
	stub.subnetError["subnet-a"] = &smithy.GenericAPIError{Code: "InsufficientFreeAddressesInSubnet", Message: "full"}
	_, err := is.Create(context.Background(), testInstanceType, "ami-1", nil)
	c.Assert(err, check.IsNil)
	c.Check(stub.runInstancesCalls, check.HasLen, 2)
	c.Check(is.currentSubnet, check.Equals, 1)

	// the subnet that worked is tried first next time
	_, err = is.Create(context.Background(), testInstanceType, "ami-1", nil)
	c.Assert(err, check.IsNil)
	c.Check(stub.runInstancesCalls, check.HasLen, 3)
	c.Check(aws.ToString(stub.runInstancesCalls[2].NetworkInterfaces[0].SubnetId), check.Equals, "subnet-b")
}

func (s *EC2InstanceSetSuite) TestErrorTypes(c *check.C) {
	is, stub := s.setup(c, `{"Region":"us-east-1","SubnetID":"subnet-a"}`)
	for code, want := range map[string]func(error) bool{
		"RequestLimitExceeded": func(err error) bool {
			rle, ok := err.(cloud.RateLimitError)
			return ok && !rle.EarliestRetry().IsZero()
		},
		"VcpuLimitExceeded": func(err error) bool {
			qe, ok := err.(cloud.QuotaError)
			return ok && qe.IsQuotaError()
		},
		"InsufficientInstanceCapacity": func(err error) bool {
			qe, ok := err.(cloud.QuotaError)
			return ok && qe.IsQuotaError()
		},
		"InvalidAMIID.NotFound": func(err error) bool {
			_, ok := err.(cloud.QuotaError)
			return !ok
		},
	} {
		stub.subnetError["subnet-a"] = &smithy.GenericAPIError{Code: code}
		_, err := is.Create(context.Background(), testInstanceType, "ami-1", nil)
		c.Check(err, check.NotNil)
		c.Check(want(err), check.Equals, true, check.Commentf("%s: %T %v", code, err, err))
	}
}
