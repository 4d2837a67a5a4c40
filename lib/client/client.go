// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package client offers the pool, job, task and monitoring
// operations on one execution backend.
//
//	cl, err := client.New(ctx, cfg, logger)
//	if err != nil { ... }
//	defer cl.Close()
//	pool, err := cl.CreatePool(ctx, cloudops.PoolSpec{Name: "sample pool", ContainerImage: "python:3.12"})
//	job, err := cl.CreateJob(ctx, cloudops.JobSpec{Name: "run 1", Pool: pool.Name})
//	id, err := cl.AddTask(ctx, job.Name, cloudops.TaskSpec{CommandLine: "python3 main.py"})
//	err = cl.SubmitTasks(ctx, job.Name)
//	res, err := cl.MonitorJob(ctx, job.Name, monitor.Options{})
package client

import (
	"context"
	"path/filepath"

	"github.com/cfa/cloudops/lib/automation"
	"github.com/cfa/cloudops/lib/backend"
	"github.com/cfa/cloudops/lib/job"
	"github.com/cfa/cloudops/lib/monitor"
	"github.com/cfa/cloudops/lib/pool"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Client holds an execution backend and the managers that work on
// it. Tasks added with AddTask are staged in the Client until
// SubmitTasks is called, so a Client should live as long as the
// batch it builds.
type Client struct {
	Backend backend.Backend
	Pools   *pool.Manager
	Jobs    *job.Manager
	// Zero fields of the options given to MonitorJob are taken
	// from here.
	Monitor monitor.Options
	Logger  logrus.FieldLogger

	cfg   cloudops.Config
	store storage.Store
}

// New returns a Client using the backend selected by cfg.Backend.
// Backend metrics are registered with reg if it is not nil.
func New(ctx context.Context, cfg *cloudops.Config, reg *prometheus.Registry, logger logrus.FieldLogger) (*Client, error) {
	be, err := backend.New(ctx, *cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(be, cfg, logger), nil
}

// NewWithBackend returns a Client that uses be.
func NewWithBackend(be backend.Backend, cfg *cloudops.Config, logger logrus.FieldLogger) *Client {
	return &Client{
		Backend: be,
		Pools:   pool.NewManager(be, *cfg, logger),
		Jobs:    job.NewManager(be, logger),
		Monitor: monitor.Options{
			Timeout:      cfg.Monitor.DefaultTimeout.Duration(),
			PollInterval: cfg.Monitor.PollInterval.Duration(),
		},
		Logger: logger,
		cfg:    *cfg,
	}
}

// Close releases the backend.
func (cl *Client) Close() error {
	return cl.Backend.Close()
}

// CreatePool creates a pool from spec after filling in defaults.
func (cl *Client) CreatePool(ctx context.Context, spec cloudops.PoolSpec) (*cloudops.Pool, error) {
	return cl.Pools.CreatePool(ctx, spec)
}

func (cl *Client) DeletePool(ctx context.Context, name string) error {
	return cl.Pools.DeletePool(ctx, name)
}

// ListAvailableImages returns the images whose name contains filter
// (all images if filter is empty).
func (cl *Client) ListAvailableImages(ctx context.Context, filter string) ([]cloudops.ImageRef, error) {
	return cl.Pools.ListAvailableImages(ctx, filter)
}

func (cl *Client) CreateJob(ctx context.Context, spec cloudops.JobSpec) (*cloudops.Job, error) {
	return cl.Jobs.CreateJob(ctx, spec)
}

func (cl *Client) DeleteJob(ctx context.Context, name string) error {
	return cl.Jobs.DeleteJob(ctx, name)
}

func (cl *Client) CreateJobSchedule(ctx context.Context, spec cloudops.ScheduleSpec) (*cloudops.JobSchedule, error) {
	return cl.Jobs.CreateJobSchedule(ctx, spec)
}

// CheckJobStatus returns the job's state, or an ErrJobNotFound error.
func (cl *Client) CheckJobStatus(ctx context.Context, name string) (cloudops.JobState, error) {
	return cl.Jobs.CheckJobStatus(ctx, name)
}

// JobStatus returns a snapshot of the job and its tasks.
func (cl *Client) JobStatus(ctx context.Context, name string) (*cloudops.JobStatusSnapshot, error) {
	return cl.Backend.Status(ctx, cloudops.NormalizeJobName(name))
}

// AddTask stages a task. See SubmitTasks.
func (cl *Client) AddTask(ctx context.Context, jobName string, spec cloudops.TaskSpec) (cloudops.TaskID, error) {
	return cl.Jobs.AddTask(ctx, jobName, spec)
}

// SubmitTasks sends the tasks staged for the job to the backend.
func (cl *Client) SubmitTasks(ctx context.Context, jobName string) error {
	return cl.Jobs.Submit(ctx, jobName)
}

// AddTaskCollection adds and submits a batch of tasks that may
// depend on each other.
func (cl *Client) AddTaskCollection(ctx context.Context, jobName string, specs []cloudops.TaskSpec) ([]cloudops.TaskID, error) {
	return cl.Jobs.AddTaskCollection(ctx, jobName, specs)
}

// MonitorJob watches the job until it settles or opts.Timeout
// passes. Zero fields of opts are taken from cl.Monitor.
func (cl *Client) MonitorJob(ctx context.Context, jobName string, opts monitor.Options) (*monitor.Result, error) {
	return monitor.MonitorJob(ctx, cl.Backend, cloudops.NormalizeJobName(jobName), cl.monitorOptions(opts))
}

func (cl *Client) monitorOptions(opts monitor.Options) monitor.Options {
	if opts.Timeout <= 0 {
		opts.Timeout = cl.Monitor.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = cl.Monitor.PollInterval
	}
	if opts.Out == nil {
		opts.Out = cl.Monitor.Out
	}
	return opts
}

// DownloadJobStats writes the job's task statistics to file
// (monitor.StatsFileName(job) if empty) and returns the file name.
func (cl *Client) DownloadJobStats(ctx context.Context, jobName, file string) (string, error) {
	return monitor.DownloadJobStats(ctx, cl.Backend, cloudops.NormalizeJobName(jobName), file)
}

// RunDocument carries out an automation document: an experiment
// section if present, otherwise its task list. Relative paths in the
// document are resolved against dir.
func (cl *Client) RunDocument(ctx context.Context, doc *automation.Document, dir string) (*automation.Report, error) {
	r := &automation.Runner{
		Backend: cl.Backend,
		Jobs:    cl.Jobs,
		Monitor: cl.monitorOptions(monitor.Options{}),
		Dir:     dir,
		Logger:  cl.Logger,
	}
	if doc.Upload != nil {
		st, err := cl.storage(ctx)
		if err != nil {
			return nil, err
		}
		r.Storage = st
	}
	if doc.Experiment != nil {
		return r.RunExperiment(ctx, doc)
	}
	return r.RunTasks(ctx, doc)
}

// storage returns the configured storage collaborator, connecting
// on first use.
func (cl *Client) storage(ctx context.Context) (storage.Store, error) {
	if cl.store != nil {
		return cl.store, nil
	}
	scfg := cl.cfg.Storage
	if (scfg.Driver == "" || scfg.Driver == "localdir") && scfg.Root == "" {
		scfg.Root = filepath.Join(cl.cfg.Local.StateDir, "blobs")
	}
	st, err := storage.New(ctx, scfg, cl.Logger)
	if err != nil {
		return nil, err
	}
	cl.store = st
	return st, nil
}
