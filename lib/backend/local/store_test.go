// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/spf13/afero"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&descriptorSuite{})

type descriptorSuite struct{}

func (s *descriptorSuite) TestRoundTrip(c *check.C) {
	fs := afero.NewMemMapFs()
	d, err := newDescriptors(fs)
	c.Assert(err, check.IsNil)
	exit := 2
	tasks := []cloudops.Task{
		{ID: "1", Job: "a/b", CommandLine: "true", State: cloudops.TaskSucceeded},
		{ID: "2", Job: "a/b", DependsOn: []cloudops.TaskID{"1"}, State: cloudops.TaskFailed, Execution: cloudops.ExecutionInfo{ExitCode: &exit, FailureReason: cloudops.ReasonExitCode}},
	}
	c.Assert(d.put(kindTasks, "a/b", tasks), check.IsNil)
	ok, err := afero.Exists(fs, "tasks/a%2Fb.yaml")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	var got []cloudops.Task
	ok, err = d.get(kindTasks, "a/b", &got)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(got, check.DeepEquals, tasks)

	ok, err = d.get(kindTasks, "nope", &got)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	names, err := d.names(kindTasks)
	c.Assert(err, check.IsNil)
	c.Check(names, check.DeepEquals, []string{"a/b"})

	c.Assert(d.remove(kindTasks, "a/b"), check.IsNil)
	c.Assert(d.remove(kindTasks, "a/b"), check.IsNil)
	names, err = d.names(kindTasks)
	c.Assert(err, check.IsNil)
	c.Check(names, check.HasLen, 0)
}

func (s *descriptorSuite) TestLoadAll(c *check.C) {
	fs := afero.NewMemMapFs()
	d, err := newDescriptors(fs)
	c.Assert(err, check.IsNil)
	for _, name := range []string{"p2", "p1"} {
		c.Assert(d.put(kindPool, name, cloudops.Pool{Name: name, VMSize: "small"}), check.IsNil)
	}
	c.Assert(afero.WriteFile(fs, "pools/README", []byte("ignored"), 0644), check.IsNil)
	pools, err := loadAll[cloudops.Pool](d, kindPool)
	c.Assert(err, check.IsNil)
	c.Check(pools, check.HasLen, 2)
	c.Check(pools["p1"].VMSize, check.Equals, "small")

	c.Assert(afero.WriteFile(fs, "pools/bad.yaml", []byte("name: [unterminated"), 0644), check.IsNil)
	_, err = loadAll[cloudops.Pool](d, kindPool)
	c.Check(err, check.ErrorMatches, `decoding pools "bad": .*`)
}
