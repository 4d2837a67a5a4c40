// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backend selects the execution backend: the remote elastic
// cluster, or the local single-machine emulation.
package backend

import (
	"context"
	"fmt"

	"github.com/cfa/cloudops/lib/backend/local"
	"github.com/cfa/cloudops/lib/backend/remote"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Runner executes the tasks of a job.
type Runner interface {
	// Submit appends tasks, already in submission order, to a
	// job. Dependencies must refer to tasks submitted earlier.
	Submit(ctx context.Context, job string, tasks []cloudops.Task) error
	// Status returns a snapshot of the job and its tasks.
	Status(ctx context.Context, job string) (*cloudops.JobStatusSnapshot, error)
	// Cancel fails the job's unfinished tasks and marks the job
	// completed.
	Cancel(ctx context.Context, job string) error
}

// A Backend is a Runner that also keeps pool, job and schedule
// descriptors, and knows which images it can run.
type Backend interface {
	Runner
	Name() string

	CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error)
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
	ListPools(ctx context.Context) ([]cloudops.Pool, error)
	DeletePool(ctx context.Context, name string) error

	CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error)
	GetJob(ctx context.Context, name string) (cloudops.Job, error)
	DeleteJob(ctx context.Context, name string) error

	CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error)
	GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error)

	// ResolveImage confirms that a container image can be used,
	// returning cloudops.ErrDeploymentAborted if not.
	ResolveImage(ctx context.Context, ref string) (cloudops.ImageRef, error)
	// ListImages returns the container and node images available
	// to pools.
	ListImages(ctx context.Context) ([]cloudops.ImageRef, error)

	Close() error
}

var (
	_ Backend = (*local.Backend)(nil)
	_ Backend = (*remote.Backend)(nil)
)

// New returns the backend selected by cfg.Backend ("local" or
// "remote"). Metrics are registered with reg if it is not nil.
func New(ctx context.Context, cfg cloudops.Config, reg *prometheus.Registry, logger logrus.FieldLogger) (Backend, error) {
	switch cfg.Backend {
	case "local":
		be, err := local.New(ctx, cfg, reg, logger)
		if err != nil {
			return nil, err
		}
		return be, nil
	case "remote":
		be, err := remote.New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return be, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (must be \"local\" or \"remote\")", cfg.Backend)
	}
}
