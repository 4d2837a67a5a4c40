// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backendtest checks the behavior both execution backends
// must share.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	check "gopkg.in/check.v1"
)

// Backend is the part of backend.Backend exercised here.
type Backend interface {
	CreatePool(context.Context, cloudops.Pool) (cloudops.Pool, error)
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
	CreateJob(context.Context, cloudops.Job) (cloudops.Job, error)
	GetJob(ctx context.Context, name string) (cloudops.Job, error)
	DeleteJob(ctx context.Context, name string) error
	Submit(ctx context.Context, job string, tasks []cloudops.Task) error
	Status(ctx context.Context, job string) (*cloudops.JobStatusSnapshot, error)
	Cancel(ctx context.Context, job string) error
}

// Run creates pool, then checks error kinds, dependency handling,
// retries, completion and cancellation. Job names are prefixed with
// the pool name.
func Run(c *check.C, be Backend, pool cloudops.Pool) {
	ctx := context.Background()
	_, err := be.CreatePool(ctx, pool)
	c.Assert(err, check.IsNil)
	t := tester{c: c, be: be, ctx: ctx, pool: pool.Name}
	t.errorKinds(pool)
	t.dependencies()
	t.retries()
	t.completion()
	t.cancel()
}

type tester struct {
	c    *check.C
	be   Backend
	ctx  context.Context
	pool string
}

func (t *tester) createJob(suffix string, job cloudops.Job) string {
	job.Name = t.pool + "-" + suffix
	job.Pool = t.pool
	_, err := t.be.CreateJob(t.ctx, job)
	t.c.Assert(err, check.IsNil)
	return job.Name
}

func (t *tester) wait(job string, what string, cond func(*cloudops.JobStatusSnapshot) bool) *cloudops.JobStatusSnapshot {
	deadline := time.Now().Add(20 * time.Second)
	for {
		snap, err := t.be.Status(t.ctx, job)
		t.c.Assert(err, check.IsNil)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.c.Fatalf("timed out waiting for %s (%s)", what, summary(snap))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func summary(snap *cloudops.JobStatusSnapshot) string {
	return fmt.Sprintf("state=%s pending=%d queued=%d running=%d succeeded=%d failed=%d blocked=%d",
		snap.State, snap.Pending, snap.Queued, snap.Running, snap.Succeeded, snap.Failed, snap.Blocked)
}

func settled(snap *cloudops.JobStatusSnapshot) bool { return snap.Settled() }

func byID(snap *cloudops.JobStatusSnapshot) map[cloudops.TaskID]cloudops.Task {
	m := map[cloudops.TaskID]cloudops.Task{}
	for _, task := range snap.Tasks {
		m[task.ID] = task
	}
	return m
}

func (t *tester) errorKinds(pool cloudops.Pool) {
	c := t.c
	_, err := t.be.CreatePool(t.ctx, pool)
	c.Check(errors.Is(err, cloudops.ErrPoolAlreadyExists), check.Equals, true, check.Commentf("%v", err))
	_, err = t.be.GetPool(t.ctx, pool.Name+"-nonexistent")
	c.Check(errors.Is(err, cloudops.ErrPoolNotFound), check.Equals, true, check.Commentf("%v", err))
	_, err = t.be.GetJob(t.ctx, pool.Name+"-nonexistent")
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true, check.Commentf("%v", err))
	_, err = t.be.Status(t.ctx, pool.Name+"-nonexistent")
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true, check.Commentf("%v", err))
	err = t.be.Submit(t.ctx, pool.Name+"-nonexistent", []cloudops.Task{{ID: "1", CommandLine: "true"}})
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true, check.Commentf("%v", err))

	job := t.createJob("errors", cloudops.Job{})
	_, err = t.be.CreateJob(t.ctx, cloudops.Job{Name: job, Pool: t.pool})
	c.Check(errors.Is(err, cloudops.ErrJobAlreadyExists), check.Equals, true, check.Commentf("%v", err))
	err = t.be.Submit(t.ctx, job, []cloudops.Task{{ID: "2", CommandLine: "true", DependsOn: []cloudops.TaskID{"1"}}})
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true, check.Commentf("%v", err))
	c.Check(t.be.DeleteJob(t.ctx, job), check.IsNil)
	err = t.be.DeleteJob(t.ctx, job)
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true, check.Commentf("%v", err))
}

// A fails; B depends on A; C depends on A but runs anyway; D depends
// on B.
func (t *tester) dependencies() {
	c := t.c
	job := t.createJob("deps", cloudops.Job{})
	c.Assert(t.be.Submit(t.ctx, job, []cloudops.Task{
		{ID: "A", CommandLine: "exit 1"},
		{ID: "B", CommandLine: "true", DependsOn: []cloudops.TaskID{"A"}},
		{ID: "C", CommandLine: "true", DependsOn: []cloudops.TaskID{"A"}, RunDependentTasksOnFail: true},
		{ID: "D", CommandLine: "true", DependsOn: []cloudops.TaskID{"B"}},
	}), check.IsNil)
	snap := t.wait(job, "dependency scenario", settled)
	c.Check(snap.Total, check.Equals, 4)
	c.Check(snap.Failed, check.Equals, 1)
	c.Check(snap.Succeeded, check.Equals, 1)
	c.Check(snap.Blocked, check.Equals, 2)
	tasks := byID(snap)
	c.Check(tasks["A"].State, check.Equals, cloudops.TaskFailed)
	c.Check(tasks["A"].Execution.FailureReason, check.Equals, cloudops.ReasonExitCode)
	c.Check(tasks["C"].State, check.Equals, cloudops.TaskSucceeded)
	c.Check(tasks["C"].Execution.StartTime.Before(tasks["A"].Execution.EndTime), check.Equals, false)
	c.Check(tasks["B"].Blocked, check.Equals, true)
	c.Check(tasks["D"].Blocked, check.Equals, true)
}

func (t *tester) retries() {
	c := t.c
	job := t.createJob("retries", cloudops.Job{TaskRetries: 2})
	c.Assert(t.be.Submit(t.ctx, job, []cloudops.Task{{ID: "1", CommandLine: "exit 7"}}), check.IsNil)
	snap := t.wait(job, "retries", settled)
	task := snap.Tasks[0]
	c.Check(task.State, check.Equals, cloudops.TaskFailed)
	c.Check(task.Execution.RetryCount, check.Equals, 2)
	if c.Check(task.Execution.ExitCode, check.NotNil) {
		c.Check(*task.Execution.ExitCode, check.Equals, 7)
	}
}

func (t *tester) completion() {
	c := t.c
	job := t.createJob("complete", cloudops.Job{MarkCompleteAfterTasksRun: true})
	c.Assert(t.be.Submit(t.ctx, job, []cloudops.Task{
		{ID: "1", CommandLine: "true"},
		{ID: "2", CommandLine: "true", DependsOn: []cloudops.TaskID{"1"}},
	}), check.IsNil)
	snap := t.wait(job, "completion", func(snap *cloudops.JobStatusSnapshot) bool {
		return snap.State == cloudops.JobCompleted
	})
	c.Check(snap.Succeeded, check.Equals, 2)
	c.Check(snap.FailureReason, check.Equals, "")
}

func (t *tester) cancel() {
	c := t.c
	job := t.createJob("cancel", cloudops.Job{})
	c.Assert(t.be.Submit(t.ctx, job, []cloudops.Task{
		{ID: "1", CommandLine: "sleep 30"},
		{ID: "2", CommandLine: "true", DependsOn: []cloudops.TaskID{"1"}},
	}), check.IsNil)
	t.wait(job, "task to start", func(snap *cloudops.JobStatusSnapshot) bool { return snap.Running == 1 })
	c.Assert(t.be.Cancel(t.ctx, job), check.IsNil)
	snap := t.wait(job, "cancellation", func(snap *cloudops.JobStatusSnapshot) bool {
		return snap.State == cloudops.JobCompleted && snap.Failed == 2
	})
	c.Check(snap.FailureReason, check.Equals, cloudops.ReasonCancelled)
	for _, task := range snap.Tasks {
		c.Check(task.Execution.FailureReason, check.Equals, cloudops.ReasonCancelled)
	}
	c.Check(t.be.Cancel(t.ctx, job), check.IsNil)
}
