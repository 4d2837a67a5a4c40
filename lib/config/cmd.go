// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"

	"github.com/cfa/cloudops/lib/cmd"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := &Loader{
		Stdin:  stdin,
		Logger: ctxlog.New(stderr, "text", "info"),
	}

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	showSecrets := flags.Bool("secrets", false, "Show secret values instead of "+Redacted)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	var out []byte
	if *showSecrets {
		out, err = yaml.Marshal(cfg)
	} else {
		var m map[string]interface{}
		m, _, err = Export(cfg)
		if err == nil {
			out, err = yaml.Marshal(m)
		}
	}
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

// RunCommand exits 1 if the config file cannot be loaded, or uses
// entries that do not exist.
func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	var logbuf bytes.Buffer
	defer func() {
		io.Copy(stderr, &logbuf)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	logger := logrus.New()
	logger.Out = &logbuf
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	loader := &Loader{Stdin: stdin, Logger: logger}

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	_, err = loader.Load()
	if err != nil {
		return 1
	}
	if logbuf.Len() > 0 {
		return 1
	}
	return 0
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
