// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cfa/cloudops/lib/monitor"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"rsc.io/getopt"
)

var (
	// JobCreate creates a job on an existing pool.
	JobCreate = command{
		positional: "job",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			var spec cloudops.JobSpec
			flags.StringVar(&spec.Pool, "pool", "", "Run the job's tasks on this `pool`")
			flags.Alias("p", "pool")
			flags.IntVar(&spec.TaskRetries, "retries", 0, "Retry each failed task up to `n` times")
			flags.IntVar(&spec.TimeoutMinutes, "timeout", 0, "Fail unfinished tasks after this many `minutes` (0 means no limit)")
			flags.BoolVar(&spec.TaskIDInts, "int-ids", false, "Number tasks 1, 2, 3... instead of naming them")
			flags.BoolVar(&spec.MarkCompleteAfterTasksRun, "mark-complete", false, "Mark the job completed once its tasks have run")
			flags.BoolVar(&spec.ExistOK, "exist-ok", false, "Succeed if the job already exists")
			flags.BoolVar(&spec.SkipPoolVerify, "no-verify-pool", false, "Do not check that the pool exists")
			logs := flags.String("logs", "", "Save task logs in storage `container[/folder]`")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				spec.Name = args[0]
				if *logs != "" {
					container, folder, _ := strings.Cut(*logs, "/")
					spec.LogSink = &cloudops.LogSink{Container: container, Folder: folder}
				}
				return env.client.CreateJob(ctx, spec)
			}
		},
	}

	// JobDelete deletes the named jobs.
	JobDelete = command{
		positional: "job [job...]",
		minArgs:    1,
		maxArgs:    -1,
		setup: func(flags *getopt.FlagSet) runFunc {
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				for _, name := range args {
					if err := env.client.DeleteJob(ctx, name); err != nil {
						return nil, err
					}
				}
				return nil, nil
			}
		},
	}

	// JobStatus prints a job's state, or its task counts and tasks
	// with --tasks.
	JobStatus = command{
		positional: "job",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			tasks := flags.Bool("tasks", false, "Show task counts and tasks")
			flags.Alias("t", "tasks")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				if !*tasks {
					state, err := env.client.CheckJobStatus(ctx, args[0])
					return string(state), err
				}
				snap, err := env.client.JobStatus(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return (*snapshotTable)(snap), nil
			}
		},
	}

	// JobSchedule creates a recurring job schedule from a YAML or
	// JSON spec.
	JobSchedule = command{
		positional: "spec-file|-",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				var spec cloudops.ScheduleSpec
				if err := readSpec(env.stdin, args[0], &spec); err != nil {
					return nil, err
				}
				return env.client.CreateJobSchedule(ctx, spec)
			}
		},
	}

	// JobMonitor watches a job until its tasks settle. It exits 1 if
	// any task failed or the watch timed out.
	JobMonitor = command{
		positional: "job",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			var opts monitor.Options
			flags.DurationVar(&opts.Timeout, "timeout", 0, "Give up (and cancel the job) after this `duration` (default Monitor.DefaultTimeout)")
			flags.DurationVar(&opts.PollInterval, "poll", 0, "Check the job this often (default Monitor.PollInterval)")
			flags.BoolVar(&opts.DownloadStats, "stats", false, "Write task statistics when the job settles")
			flags.StringVar(&opts.StatsFile, "stats-file", "", "Statistics `file` (default <job>-stats.csv)")
			quiet := flags.Bool("quiet", false, "Do not print task counts while waiting")
			flags.Alias("q", "quiet")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				if !*quiet {
					opts.Out = env.stderr
				}
				res, err := env.client.MonitorJob(ctx, args[0], opts)
				if err != nil {
					return nil, err
				}
				if res.Outcome != monitor.Completed {
					return res.Summary(), exitStatus(1)
				}
				return res.Summary(), nil
			}
		},
	}

	// JobStats writes a job's task statistics file.
	JobStats = command{
		positional: "job",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			file := flags.String("output", "", "Write to `file` (default <job>-stats.csv)")
			flags.Alias("o", "output")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				return env.client.DownloadJobStats(ctx, args[0], *file)
			}
		},
	}
)

type snapshotTable cloudops.JobStatusSnapshot

func (st *snapshotTable) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "job %s %s", st.Job, st.State)
	if st.FailureReason != "" {
		fmt.Fprintf(&buf, " (%s)", st.FailureReason)
	}
	fmt.Fprintf(&buf, ": %d tasks, %d pending, %d queued, %d running, %d succeeded, %d failed, %d blocked\n",
		st.Total, st.Pending, st.Queued, st.Running, st.Succeeded, st.Failed, st.Blocked)
	if len(st.Tasks) == 0 {
		return buf.String()
	}
	w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tEXIT\tRETRIES\tSTARTED\tCOMMAND")
	for _, t := range st.Tasks {
		state := string(t.State)
		if t.Blocked {
			state = "blocked"
		}
		exit, started := "", ""
		if ex := t.Execution; ex.ExitCode != nil {
			exit = fmt.Sprint(*ex.ExitCode)
		}
		if start := t.Execution.StartTime; !start.IsZero() {
			started = start.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, state, exit, t.Execution.RetryCount, started, t.CommandLine)
	}
	w.Flush()
	return buf.String()
}
