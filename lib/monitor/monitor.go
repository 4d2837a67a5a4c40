// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package monitor watches a job until its tasks settle or a timeout
// passes, and exports per-task statistics.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cfa/cloudops/lib/backend"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout      = 480 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

type Outcome string

const (
	Watching  Outcome = "watching"
	Completed Outcome = "completed"
	Failed    Outcome = "failed"
	TimedOut  Outcome = "timed out"
)

type Options struct {
	// Zero means DefaultTimeout.
	Timeout time.Duration
	// Zero means DefaultPollInterval.
	PollInterval time.Duration
	// Write the statistics export when monitoring ends.
	DownloadStats bool
	// Statistics file name. Empty means "<job>-stats.csv".
	StatsFile string
	// Progress output. Nil means no progress output.
	Out io.Writer
}

// Result is the outcome of a MonitorJob call.
type Result struct {
	Job     string
	Outcome Outcome
	Elapsed time.Duration
	// Last snapshot observed, nil if none was.
	Snapshot *cloudops.JobStatusSnapshot
	// Statistics file written, if any.
	StatsFile string
}

// Summary describes the result in one line.
func (r *Result) Summary() string {
	snap := r.Snapshot
	if snap == nil {
		return fmt.Sprintf("job %s %s after %s", r.Job, r.Outcome, r.Elapsed)
	}
	switch {
	case r.Outcome == TimedOut:
		return fmt.Sprintf("job %s timed out after %s: %d of %d tasks finished", r.Job, r.Elapsed, snap.Succeeded+snap.Failed, snap.Total)
	case r.Outcome == Failed && snap.FailureReason != "":
		return fmt.Sprintf("job %s completed with failures (%s): %d succeeded, %d failed, %d blocked", r.Job, snap.FailureReason, snap.Succeeded, snap.Failed, snap.Blocked)
	case r.Outcome == Failed:
		return fmt.Sprintf("job %s completed with failures: %d succeeded, %d failed, %d blocked", r.Job, snap.Succeeded, snap.Failed, snap.Blocked)
	default:
		return fmt.Sprintf("job %s fully succeeded: %d tasks in %s", r.Job, snap.Succeeded, r.Elapsed)
	}
}

// MonitorJob polls the job's status until every task has succeeded,
// failed or been blocked, the job is completed by the backend, or
// the timeout passes. On timeout the job is cancelled. Errors from
// the backend during a poll are logged and polling continues, except
// that a missing job ends the watch with ErrJobNotFound.
func MonitorJob(ctx context.Context, runner backend.Runner, job string, opts Options) (*Result, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := ctxlog.FromContext(ctx).WithField("Job", job)
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	res := &Result{Job: job, Outcome: Watching}
	tally := newTally(opts.Out)
	logger.WithField("Timeout", opts.Timeout).Info("monitoring job")

	for res.Outcome == Watching {
		snap, err := runner.Status(ctx, job)
		switch {
		case errors.Is(err, cloudops.ErrJobNotFound):
			return nil, err
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			logger.WithError(err).Warn("error getting job status, will retry")
		default:
			res.Snapshot = snap
			tally.print(snap)
			if snap.Settled() || snap.State == cloudops.JobCompleted {
				res.Outcome = outcome(snap)
				continue
			}
		}

		wait := opts.PollInterval
		if left := time.Until(deadline); left <= 0 {
			res.Outcome = TimedOut
			break
		} else if left < wait {
			wait = left
		}
		select {
		case <-ctx.Done():
			tally.done()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	tally.done()
	res.Elapsed = time.Since(start).Round(time.Second)

	if res.Outcome == TimedOut {
		logger.Warn("timed out, cancelling job")
		if err := runner.Cancel(context.WithoutCancel(ctx), job); err != nil {
			logger.WithError(err).Error("error cancelling job")
		} else if snap, err := runner.Status(context.WithoutCancel(ctx), job); err == nil {
			res.Snapshot = snap
		}
	}
	logger.WithFields(logrus.Fields{
		"Outcome": res.Outcome,
		"Elapsed": res.Elapsed,
	}).Info(res.Summary())

	if opts.DownloadStats {
		fnm, err := DownloadJobStats(context.WithoutCancel(ctx), runner, job, opts.StatsFile)
		if err != nil {
			return res, fmt.Errorf("writing job statistics: %w", err)
		}
		res.StatsFile = fnm
	}
	return res, nil
}

func outcome(snap *cloudops.JobStatusSnapshot) Outcome {
	if snap.Failed > 0 || snap.Blocked > 0 || snap.FailureReason != "" {
		return Failed
	}
	return Completed
}

// tally writes the running task counts, on one overwritten line in
// color when the output is a terminal.
type tally struct {
	out  io.Writer
	tty  bool
	good *color.Color
	bad  *color.Color
	busy *color.Color
}

func newTally(out io.Writer) *tally {
	t := &tally{
		out:  out,
		good: color.New(color.FgGreen),
		bad:  color.New(color.FgRed, color.Bold),
		busy: color.New(color.FgYellow),
	}
	if f, ok := out.(*os.File); ok {
		t.tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, c := range []*color.Color{t.good, t.bad, t.busy} {
		if t.tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

func (t *tally) print(snap *cloudops.JobStatusSnapshot) {
	if t.out == nil {
		return
	}
	eol := "\n"
	if t.tty {
		eol = "\r"
	}
	fmt.Fprintf(t.out, "%d completed; %s running; %d remaining; %s succeeded; %s failed; %s blocked%s",
		snap.Succeeded+snap.Failed,
		t.busy.Sprint(snap.Running),
		snap.Pending+snap.Queued+snap.Running,
		t.good.Sprint(snap.Succeeded),
		t.bad.Sprint(snap.Failed),
		t.bad.Sprint(snap.Blocked),
		eol)
}

func (t *tally) done() {
	if t.out != nil && t.tty {
		fmt.Fprintln(t.out)
	}
}
