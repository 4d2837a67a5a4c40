// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime/debug"
	"testing"

	. "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	TestingT(t)
}

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func (s *TestSuite) TestVersion(c *C) {
	defer func(v string) { Version = v }(Version)
	// Simulate linker flag setting Version var
	Version = "1.0.0"
	c.Check(GetVersion(), Equals, "1.0.0")
}

func (s *TestSuite) TestModuleVersion(c *C) {
	c.Check(moduleVersion(nil, false), Equals, "dev")
	bi := &debug.BuildInfo{}
	c.Check(moduleVersion(bi, true), Equals, "dev")
	bi.Main.Version = "(devel)"
	c.Check(moduleVersion(bi, true), Equals, "dev")
	bi.Main.Version = "v1.2.3"
	c.Check(moduleVersion(bi, true), Equals, "v1.2.3")
}
