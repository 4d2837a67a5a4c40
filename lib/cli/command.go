// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the pool, job and task subcommands of the
// cloudops program.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cfa/cloudops/lib/client"
	"github.com/cfa/cloudops/lib/cmd"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

// env is what a subcommand runs with.
type env struct {
	client *client.Client
	cfg    *cloudops.Config
	logger logrus.FieldLogger
	stdin  io.Reader
	stderr io.Writer
}

// A runFunc does the work of a subcommand and returns a value to
// print on stdout, or nil.
type runFunc func(ctx context.Context, env *env, args []string) (interface{}, error)

// command is a cmd.Handler that parses the common options plus its
// own, connects to the configured backend, and prints the result of
// its runFunc in the requested format.
type command struct {
	positional string
	minArgs    int
	// Negative means no limit.
	maxArgs int
	// setup adds the subcommand's options to flags and returns the
	// runFunc that reads them.
	setup func(flags *getopt.FlagSet) runFunc
}

// exitStatus is returned by a runFunc to set the exit code without
// printing an error.
type exitStatus int

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// newClient is replaced in tests.
var newClient = func(ctx context.Context, cfg *cloudops.Config, logger logrus.FieldLogger) (*client.Client, error) {
	return client.New(ctx, cfg, nil, logger)
}

func (c command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, common := CommonFlagSet(stdin, logger)
	run := c.setup(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, c.positional, stderr); !ok {
		return code
	}
	if ok, code := cmd.CheckArgCount(flags, prog, c.positional, c.minArgs, c.maxArgs, stderr); !ok {
		return code
	}
	switch common.Format {
	case "text", "json", "yaml":
	default:
		fmt.Fprintf(stderr, "unknown output format %q (must be text, json or yaml)\n", common.Format)
		return 2
	}

	cfg, err := common.Loader.Load()
	if err != nil {
		return 1
	}
	level := cfg.Logging.Level
	if common.Verbose {
		level = "debug"
	}
	logger = ctxlog.New(stderr, cfg.Logging.Format, level)
	ctx, stop := signal.NotifyContext(ctxlog.Context(context.Background(), logger), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := newClient(ctx, cfg, logger)
	if err != nil {
		return 1
	}
	defer cl.Close()

	out, err := run(ctx, &env{
		client: cl,
		cfg:    cfg,
		logger: logger,
		stdin:  stdin,
		stderr: stderr,
	}, flags.Args())
	var status exitStatus
	if errors.As(err, &status) {
		err = nil
	} else if err != nil {
		return 1
	}
	err = printResult(stdout, common.Format, out)
	if err != nil {
		err = fmt.Errorf("encoding: %w", err)
		return 1
	}
	return int(status)
}

func printResult(w io.Writer, format string, v interface{}) error {
	if v == nil {
		return nil
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		switch v := v.(type) {
		case string:
			_, err := fmt.Fprintln(w, v)
			return err
		case fmt.Stringer:
			_, err := io.WriteString(w, v.String())
			return err
		}
	}
	buf, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readSpec decodes a YAML or JSON document from the named file, or
// from stdin if the name is "-".
func readSpec(stdin io.Reader, name string, v interface{}) error {
	var buf []byte
	var err error
	if name == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(name)
	}
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(buf, v); err != nil {
		return cloudops.WrapError(cloudops.ErrInvalidSpec, err, "%s", name)
	}
	return nil
}

// taskIDList splits a comma-separated list of task IDs.
func taskIDList(s string) []cloudops.TaskID {
	var ids []cloudops.TaskID
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, cloudops.TaskID(id))
		}
	}
	return ids
}
