// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"jobs": Multi(map[string]Handler{
		"prog": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
			fmt.Fprintln(stdout, prog)
			return 3
		}),
	}),
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestNested(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("cloudops", []string{"jobs", "prog"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 3)
	c.Check(stdout.String(), check.Equals, "cloudops jobs prog\n")
}

func (s *CmdSuite) TestProgramName(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/local/bin/cloudops-echo", []string{"hi"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hi\n")
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)^prog: unrecognized command "nosuchcommand"\n.*echo\n.*jobs prog\n.*`)

	stderr.Reset()
	exited = testCmd.RunCommand("prog", nil, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)^usage: prog command \[args\]\n.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := Version.RunCommand("cloudops --version", nil, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `cloudops dev \(go.*\)\n`)
}

func (s *CmdSuite) TestSubcommandToFront(c *check.C) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.String("format", "json", "")
	flags.Bool("n", false, "")
	args := SubcommandToFront([]string{"--format=yaml", "-n", "-format", "beep", "echo", "hi"}, flags)
	c.Check(args, check.DeepEquals, []string{"echo", "--format=yaml", "-n", "-format", "beep", "hi"})
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	var stderr bytes.Buffer
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	name := flags.String("name", "", "job `name`")
	ok, code := ParseFlags(flags, "prog", []string{"-name", "j1"}, "", &stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*name, check.Equals, "j1")

	ok, code = ParseFlags(flags, "prog", []string{"-name", "j1", "extra"}, "", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments: \[extra\].*\n`)

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-help"}, "file", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*-name name.*`)

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-bogus"}, "", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments: .*\n`)
}

func (s *CmdSuite) TestCheckArgCount(c *check.C) {
	var stderr bytes.Buffer
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	ok, _ := ParseFlags(flags, "prog", []string{"a", "b"}, "job [job...]", &stderr)
	c.Assert(ok, check.Equals, true)
	ok, _ = CheckArgCount(flags, "prog", "job [job...]", 1, -1, &stderr)
	c.Check(ok, check.Equals, true)
	ok, code := CheckArgCount(flags, "prog", "job", 1, 1, &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "Usage: prog [options] job\n")
}
