// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/cfa/cloudops/lib/cli"
	"github.com/cfa/cloudops/lib/cluster/elastic"
	"github.com/cfa/cloudops/lib/cmd"
	"github.com/cfa/cloudops/lib/config"
	"github.com/cfa/cloudops/lib/selfsigned"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"pool-create": cli.PoolCreate,
		"pool-delete": cli.PoolDelete,
		"images":      cli.Images,

		"job-create":   cli.JobCreate,
		"job-delete":   cli.JobDelete,
		"job-status":   cli.JobStatus,
		"job-schedule": cli.JobSchedule,
		"job-monitor":  cli.JobMonitor,
		"job-stats":    cli.JobStats,

		"task-add":        cli.TaskAdd,
		"task-collection": cli.TaskCollection,

		"run": cli.Run,

		"config-check":    config.CheckCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"config-dump":     config.DumpCommand,

		"cluster-server": elastic.Command,
		"cluster-cert":   selfsigned.Command,
	})
)

// fixArgs lets the common options come before the subcommand:
// "cloudops -c x.yml images" means "cloudops images -c x.yml".
func fixArgs(args []string) []string {
	flags, _ := cli.CommonFlagSet(nil, nil)
	return cmd.SubcommandToFront(args, flags)
}

func main() {
	os.Exit(handler.RunCommand(os.Args[0], fixArgs(os.Args[1:]), os.Stdin, os.Stdout, os.Stderr))
}
