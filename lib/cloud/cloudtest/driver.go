// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"context"

	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	check "gopkg.in/check.v1"
)

// CheckInstanceSet creates two instances with different tags, checks
// that Instances filters on tags, then destroys both and checks that
// they are gone.
func CheckInstanceSet(c *check.C, is cloud.InstanceSet, it cloudops.InstanceType, image string) {
	ctx := context.Background()
	var created []cloud.Instance
	for _, pool := range []string{"pool-a", "pool-b"} {
		inst, err := is.Create(ctx, it, image, cloud.Tags{"pool": pool})
		c.Assert(err, check.IsNil)
		c.Check(inst.ID(), check.Not(check.Equals), cloud.InstanceID(""))
		c.Check(inst.ProviderType(), check.Equals, it.ProviderType)
		c.Check(inst.Tags()["pool"], check.Equals, pool)
		created = append(created, inst)
	}
	c.Check(created[0].ID(), check.Not(check.Equals), created[1].ID())

	found, err := is.Instances(ctx, cloud.Tags{"pool": "pool-a"})
	c.Assert(err, check.IsNil)
	c.Assert(found, check.HasLen, 1)
	c.Check(found[0].ID(), check.Equals, created[0].ID())

	found, err = is.Instances(ctx, nil)
	c.Assert(err, check.IsNil)
	c.Check(found, check.HasLen, 2)

	for _, inst := range created {
		c.Check(inst.Destroy(ctx), check.IsNil)
	}
	found, err = is.Instances(ctx, nil)
	c.Assert(err, check.IsNil)
	c.Check(found, check.HasLen, 0)
}
