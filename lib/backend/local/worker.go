// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// NodeID is recorded as the execution node of every local task.
const NodeID = "localhost"

func (b *Backend) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		for b.ctx.Err() == nil && b.step() {
		}
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// step applies job deadlines and completion, then runs the next
// eligible task to completion. It returns false if nothing was run.
func (b *Backend) step() bool {
	now := time.Now().UTC()
	b.mtx.Lock()
	b.checkJobs(now)
	js, task, ok := b.next()
	if !ok {
		b.mtx.Unlock()
		return false
	}
	job := js.job
	pool, havePool := b.pools[job.Pool]
	if err := js.tracker.Start(task.ID, NodeID, job.Pool, now); err != nil {
		b.mtx.Unlock()
		b.Logger.WithError(err).Error("BUG: cannot start queued task")
		return false
	}
	var ctx context.Context
	var cancel context.CancelFunc
	deadline := job.Deadline()
	if deadline.IsZero() {
		ctx, cancel = context.WithCancel(b.ctx)
	} else {
		ctx, cancel = context.WithDeadline(b.ctx, deadline)
	}
	defer cancel()
	js.cancel = cancel
	b.saveTasksLogged(js)
	b.updateMetrics()
	b.mtx.Unlock()

	var exitCode *int
	var reason string
	if havePool {
		exitCode, reason = b.runTask(ctx, job, pool, task)
	} else {
		b.Logger.WithFields(logrus.Fields{"Job": job.Name, "Pool": job.Pool}).Warn("job's pool does not exist")
		reason = cloudops.ReasonStartFail
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.ctx.Err() != nil {
		// Shutting down. The task is still recorded as
		// running, and will be requeued by the next Start.
		return false
	}
	cur, ok := b.jobs[job.Name]
	if !ok || !cur.job.CreatedAt.Equal(job.CreatedAt) {
		// deleted while running
		return true
	}
	cur.cancel = nil
	now = time.Now().UTC()
	if !deadline.IsZero() && !now.Before(deadline) && cur.job.State == cloudops.JobActive {
		b.timeout(cur, now)
		return true
	}
	retried := cur.tracker.Finish(task.ID, exitCode, reason, job.TaskRetries, now)
	if t, ok := cur.tracker.Get(task.ID); ok {
		switch {
		case retried:
			b.mTasksFinished.WithLabelValues("retried").Inc()
		case t.State == cloudops.TaskSucceeded:
			b.mTasksFinished.WithLabelValues("succeeded").Inc()
		default:
			b.mTasksFinished.WithLabelValues("failed").Inc()
		}
	}
	b.saveTasksLogged(cur)
	b.updateMetrics()
	return true
}

// checkJobs times out overdue jobs and completes settled ones that
// asked for it. Caller must have lock.
func (b *Backend) checkJobs(now time.Time) {
	for _, name := range b.jobOrder {
		js := b.jobs[name]
		if js.job.State != cloudops.JobActive {
			continue
		}
		if dl := js.job.Deadline(); !dl.IsZero() && !now.Before(dl) {
			b.timeout(js, now)
		} else if js.job.MarkCompleteAfterTasksRun && js.tracker.Settled() {
			js.job.State = cloudops.JobCompleted
			if err := b.desc.put(kindJob, name, js.job); err != nil {
				b.Logger.WithError(err).WithField("Job", name).Warn("error saving job descriptor")
			}
			b.Logger.WithField("Job", name).Info("job completed")
		}
	}
}

// Caller must have lock.
func (b *Backend) timeout(js *jobState, now time.Time) {
	b.Logger.WithFields(logrus.Fields{
		"Job":      js.job.Name,
		"Deadline": js.job.Deadline(),
	}).Info("job timed out")
	if err := b.terminate(js, cloudops.ReasonTimeout, now); err != nil {
		b.Logger.WithError(err).WithField("Job", js.job.Name).Warn("error saving job descriptor")
	}
}

// next returns the first queued task of the earliest active job that
// has one. Caller must have lock.
func (b *Backend) next() (*jobState, cloudops.Task, bool) {
	for _, name := range b.jobOrder {
		js := b.jobs[name]
		if js.job.State != cloudops.JobActive {
			continue
		}
		if t, ok := js.tracker.Next(); ok {
			return js, t, true
		}
	}
	return nil, cloudops.Task{}, false
}

func (b *Backend) saveTasksLogged(js *jobState) {
	if err := b.saveTasks(js); err != nil {
		b.Logger.WithError(err).WithField("Job", js.job.Name).Warn("error saving task descriptors")
	}
}

// runTask runs one task in the pool's container image and returns
// its exit code, or the reason it has none.
func (b *Backend) runTask(ctx context.Context, job cloudops.Job, pool cloudops.Pool, task cloudops.Task) (*int, string) {
	logger := b.Logger.WithFields(logrus.Fields{"Job": job.Name, "Task": task.ID})
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout.Duration())
		defer cancel()
	}
	image := task.ContainerImage
	if image == "" {
		image = pool.ContainerImage
	}
	var binds []Bind
	for _, m := range pool.Mounts {
		binds = append(binds, Bind{
			Source: filepath.Join(b.MountRoot, m.Source),
			Target: "/" + m.Target,
		})
	}
	var stdout, stderr bytes.Buffer
	logger.WithField("Image", image).Info("starting task")
	code, err := b.Runner.Run(ctx, RunSpec{
		Name:    job.Name + "/" + string(task.ID),
		Image:   image,
		Command: task.CommandLine,
		Env: map[string]string{
			cloudops.EnvJob:    job.Name,
			cloudops.EnvTaskID: string(task.ID),
			cloudops.EnvPool:   pool.Name,
		},
		Binds:  binds,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	var exitCode *int
	var reason string
	switch {
	case err == nil:
		exitCode = &code
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = cloudops.ReasonTimeout
	case ctx.Err() != nil:
		reason = cloudops.ReasonCancelled
	default:
		reason = cloudops.ReasonStartFail
		logger.WithError(err).Warn("error running task")
	}
	logger.WithFields(logrus.Fields{"ExitCode": code, "Reason": reason}).Info("task finished")
	if b.Logs != nil && job.LogSink != nil && b.ctx.Err() == nil {
		if err := storage.SaveTaskOutput(b.ctx, b.Logs, *job.LogSink, task.ID, stdout.Bytes(), stderr.Bytes()); err != nil {
			logger.WithError(err).WithField("Container", job.LogSink.Container).Warn("error uploading task logs")
		}
	}
	return exitCode, reason
}
