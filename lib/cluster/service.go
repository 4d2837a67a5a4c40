// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cluster defines the API of a remote elastic compute
// cluster, and provides an HTTP server and client for it.
package cluster

import (
	"context"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// A Service is a remote cluster that owns pools of nodes and
// schedules the tasks of its jobs onto them.
//
// Errors carry cloudops error kinds (PoolNotFound, JobAlreadyExists,
// etc.) that survive the trip through Server and Client.
type Service interface {
	CreatePool(context.Context, cloudops.Pool) (cloudops.Pool, error)
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
	ListPools(context.Context) ([]cloudops.Pool, error)
	DeletePool(ctx context.Context, name string) error

	// ListNodeImages returns the container images present on the
	// cluster's node image.
	ListNodeImages(context.Context) ([]cloudops.ImageRef, error)

	CreateJob(context.Context, cloudops.Job) (cloudops.Job, error)
	GetJob(ctx context.Context, name string) (cloudops.Job, error)
	DeleteJob(ctx context.Context, name string) error
	// TerminateJob fails all of the job's unfinished tasks with the
	// given reason and marks the job completed.
	TerminateJob(ctx context.Context, name, reason string) error

	CreateJobSchedule(context.Context, cloudops.JobSchedule) (cloudops.JobSchedule, error)
	GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error)

	// AddTasks appends tasks, in submission order, to a job. Each
	// dependency must name a task added earlier.
	AddTasks(ctx context.Context, job string, tasks []cloudops.Task) error
	ListTasks(ctx context.Context, job string) ([]cloudops.Task, error)
}
