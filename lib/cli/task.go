// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"rsc.io/getopt"
)

var (
	// TaskAdd adds one task to a job and submits it.
	TaskAdd = command{
		positional: "job command [args...]",
		minArgs:    2,
		maxArgs:    -1,
		setup: func(flags *getopt.FlagSet) runFunc {
			var spec cloudops.TaskSpec
			flags.StringVar(&spec.Name, "name", "", "Task `name` (used as its ID unless the job numbers its tasks)")
			flags.Alias("n", "name")
			dependsOn := flags.String("depends-on", "", "Comma-separated `IDs` of tasks that must succeed first")
			flags.Alias("d", "depends-on")
			dependsOnRange := flags.String("depends-on-range", "", "Depend on integer task IDs `first:last`")
			flags.BoolVar(&spec.RunDependentTasksOnFail, "run-dependents-on-fail", false, "Let tasks that depend on this one run even if it fails")
			flags.StringVar(&spec.ContainerImage, "image", "", "Container `image` (default: the pool's)")
			flags.Alias("i", "image")
			timeout := flags.Duration("timeout", 0, "Fail the attempt after this `duration`")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				job, command := args[0], args[1:]
				if command[0] == "--" {
					command = command[1:]
				}
				if len(command) == 0 {
					return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "no command given")
				}
				spec.CommandLine = strings.Join(command, " ")
				spec.DependsOn = taskIDList(*dependsOn)
				if *dependsOnRange != "" {
					r, err := parseRange(*dependsOnRange)
					if err != nil {
						return nil, err
					}
					spec.DependsOnRange = r
				}
				spec.Timeout = cloudops.Duration(*timeout)
				id, err := env.client.AddTask(ctx, job, spec)
				if err != nil {
					return nil, err
				}
				if err := env.client.SubmitTasks(ctx, job); err != nil {
					return nil, err
				}
				return string(id), nil
			}
		},
	}

	// TaskCollection adds a list of tasks, which may depend on each
	// other in any order, from a YAML or JSON file.
	TaskCollection = command{
		positional: "job tasks-file|-",
		minArgs:    2,
		maxArgs:    2,
		setup: func(flags *getopt.FlagSet) runFunc {
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				var specs []cloudops.TaskSpec
				if err := readSpec(env.stdin, args[1], &specs); err != nil {
					return nil, err
				}
				ids, err := env.client.AddTaskCollection(ctx, args[0], specs)
				if err != nil {
					return nil, err
				}
				return idList(ids), nil
			}
		},
	}
)

// parseRange parses "first:last".
func parseRange(s string) (*cloudops.TaskIDRange, error) {
	var r cloudops.TaskIDRange
	if _, err := fmt.Sscanf(s, "%d:%d", &r.First, &r.Last); err != nil {
		return nil, cloudops.WrapError(cloudops.ErrInvalidRange, err, "task ID range %q (want first:last)", s)
	}
	return &r, nil
}

type idList []cloudops.TaskID

func (il idList) String() string {
	var b strings.Builder
	for _, id := range il {
		fmt.Fprintln(&b, id)
	}
	return b.String()
}
