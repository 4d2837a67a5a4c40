// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) SetUpSuite(c *check.C) {
	os.Unsetenv(EnvBackend)
	os.Unsetenv(EnvLogLevel)
}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("cloudops config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestDumpRedacts(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Remote:
  AuthToken: s3cret
Storage:
  Azure: {Account: cfastorage, Key: k3y}
`
	code := DumpCommand.RunCommand("cloudops config-dump", []string{"-config=-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*(s3cret|k3y).*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*Account: cfastorage\n.*`)
	var dumped map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &dumped), check.IsNil)
	c.Check(dumped["Remote"].(map[string]interface{})["AuthToken"], check.Equals, Redacted)

	stdout.Reset()
	code = DumpCommand.RunCommand("cloudops config-dump", []string{"-config=-", "-secrets"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*AuthToken: s3cret\n.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("cloudops config-check", []string{"-config=-"}, bytes.NewBufferString("Local: {Runtime: exec}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")

	stderr.Reset()
	code = CheckCommand.RunCommand("cloudops config-check", []string{"-config=-"}, bytes.NewBufferString("Local: {Runtim: exec}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Local.Runtim.*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("cloudops config-check", []string{"-config=-"}, bytes.NewBufferString("Backend: batch\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `Backend: unknown backend "batch".*\n`)
}

func (s *CommandSuite) TestDefaults(c *check.C) {
	var stdout bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("cloudops config-defaults", nil, nil, &stdout, nil)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
