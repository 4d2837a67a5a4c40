// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing subcommands.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temporary files,
// and returns a func that restores them and fails the test if
// anything was written. A cmd.Handler should only write to the
// stdout and stderr it is given.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a subcommand with its own stdout and stderr
//	}
func LeakCheck(c *check.C) func() {
	var files [2]*os.File
	for i := range files {
		f, err := os.CreateTemp("", "cloudops-leakcheck-")
		c.Assert(err, check.IsNil)
		c.Assert(os.Remove(f.Name()), check.IsNil)
		files[i] = f
	}
	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = files[0], files[1]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for i, name := range []string{"stdout", "stderr"} {
			_, err := files[i].Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(files[i])
			c.Assert(err, check.IsNil)
			files[i].Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to os.%s", name))
		}
	}
}
