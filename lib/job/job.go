// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package job creates jobs and schedules, and stages tasks into
// dependency-ordered batches for the backend.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cfa/cloudops/lib/backend"
	"github.com/cfa/cloudops/lib/taskgraph"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// MaxTaskRetries is the largest TaskRetries a job may ask for.
const MaxTaskRetries = 100

// Backend is the part of the execution backend the job manager
// uses.
type Backend interface {
	backend.Runner
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
	CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error)
	GetJob(ctx context.Context, name string) (cloudops.Job, error)
	DeleteJob(ctx context.Context, name string) error
	CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error)
	GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error)
}

// Manager creates jobs and holds each job's unsubmitted batch of
// tasks. It is safe for concurrent use.
type Manager struct {
	Backend Backend
	Logger  logrus.FieldLogger

	mtx     sync.Mutex
	batches map[string]*taskgraph.Graph
}

func NewManager(be Backend, logger logrus.FieldLogger) *Manager {
	return &Manager{Backend: be, Logger: logger}
}

// buildJob validates spec and returns the job record it describes.
func buildJob(spec cloudops.JobSpec) (cloudops.Job, error) {
	name := cloudops.NormalizeJobName(spec.Name)
	if name == "" {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job name is empty")
	}
	pool := cloudops.NormalizePoolName(spec.Pool)
	if pool == "" {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job %q: pool name is empty", name)
	}
	if spec.TaskRetries < 0 || spec.TaskRetries > MaxTaskRetries {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job %q: task_retries must be between 0 and %d", name, MaxTaskRetries)
	}
	if spec.TimeoutMinutes < 0 {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job %q: timeout must not be negative", name)
	}
	job := cloudops.Job{
		Name:                      name,
		Pool:                      pool,
		UsesTaskDependencies:      true,
		TaskRetries:               spec.TaskRetries,
		MarkCompleteAfterTasksRun: spec.MarkCompleteAfterTasksRun,
		TaskIDPolicy:              cloudops.TaskIDString,
		Timeout:                   cloudops.Duration(time.Duration(spec.TimeoutMinutes) * time.Minute),
	}
	if spec.TaskIDInts {
		job.TaskIDPolicy = cloudops.TaskIDInteger
	}
	if spec.LogSink != nil {
		sink := spec.LogSink.Normalize()
		if sink.Container == "" {
			return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job %q: log sink needs a container", name)
		}
		job.LogSink = &sink
	}
	return job, nil
}

func (m *Manager) verifyPool(ctx context.Context, spec cloudops.JobSpec, pool string) error {
	if spec.SkipPoolVerify {
		return nil
	}
	_, err := m.Backend.GetPool(ctx, pool)
	return err
}

// CreateJob creates a job on the pool named in spec.
func (m *Manager) CreateJob(ctx context.Context, spec cloudops.JobSpec) (*cloudops.Job, error) {
	job, err := buildJob(spec)
	if err != nil {
		return nil, err
	}
	logger := m.Logger.WithFields(logrus.Fields{"Job": job.Name, "Pool": job.Pool})
	if err := m.verifyPool(ctx, spec, job.Pool); err != nil {
		return nil, err
	}
	existing, err := m.Backend.GetJob(ctx, job.Name)
	switch {
	case errors.Is(err, cloudops.ErrJobNotFound):
	case err != nil:
		return nil, err
	case spec.ExistOK:
		logger.Info("job already exists, using it")
		return &existing, nil
	default:
		return nil, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job %q", job.Name)
	}
	created, err := m.Backend.CreateJob(ctx, job)
	if errors.Is(err, cloudops.ErrJobAlreadyExists) && spec.ExistOK {
		created, err = m.Backend.GetJob(ctx, job.Name)
	}
	if err != nil {
		return nil, err
	}
	logger.WithField("TaskIDPolicy", created.TaskIDPolicy).Info("job created")
	return &created, nil
}

// DeleteJob deletes a job and any tasks staged for it.
func (m *Manager) DeleteJob(ctx context.Context, name string) error {
	name = cloudops.NormalizeJobName(name)
	if err := m.Backend.DeleteJob(ctx, name); err != nil {
		return err
	}
	m.mtx.Lock()
	delete(m.batches, name)
	m.mtx.Unlock()
	m.Logger.WithField("Job", name).Info("job deleted")
	return nil
}

// CheckJobStatus returns the state of the named job.
func (m *Manager) CheckJobStatus(ctx context.Context, name string) (cloudops.JobState, error) {
	job, err := m.Backend.GetJob(ctx, cloudops.NormalizeJobName(name))
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// CreateJobSchedule validates and stores a recurring job schedule.
// Schedules are not fired here.
func (m *Manager) CreateJobSchedule(ctx context.Context, spec cloudops.ScheduleSpec) (*cloudops.JobSchedule, error) {
	name := cloudops.NormalizeJobName(spec.Name)
	if name == "" {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "schedule name is empty")
	}
	if spec.Job.Name == "" {
		spec.Job.Name = name
	}
	template, err := buildJob(spec.Job)
	if err != nil {
		return nil, err
	}
	if err := spec.Recurrence.Validate(time.Now()); err != nil {
		return nil, err
	}
	if err := m.verifyPool(ctx, spec.Job, template.Pool); err != nil {
		return nil, err
	}
	existing, err := m.Backend.GetJobSchedule(ctx, name)
	switch {
	case errors.Is(err, cloudops.ErrJobNotFound):
	case err != nil:
		return nil, err
	case spec.ExistOK:
		return &existing, nil
	default:
		return nil, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job schedule %q", name)
	}
	sched, err := m.Backend.CreateJobSchedule(ctx, cloudops.JobSchedule{
		Name:       name,
		Template:   template,
		Recurrence: spec.Recurrence,
		Enabled:    true,
	})
	if err != nil {
		return nil, err
	}
	m.Logger.WithFields(logrus.Fields{
		"Schedule": name,
		"Pool":     template.Pool,
		"Interval": sched.Recurrence.Interval,
	}).Info("job schedule created")
	return &sched, nil
}

// graphOptions returns the options for a new batch of job's tasks:
// its ID policy and the IDs of the tasks already submitted.
func (m *Manager) graphOptions(ctx context.Context, job string) (taskgraph.Options, error) {
	j, err := m.Backend.GetJob(ctx, job)
	if err != nil {
		return taskgraph.Options{}, err
	}
	snap, err := m.Backend.Status(ctx, job)
	if err != nil {
		return taskgraph.Options{}, err
	}
	opts := taskgraph.Options{Job: job, Policy: j.TaskIDPolicy}
	for _, t := range snap.Tasks {
		opts.Known = append(opts.Known, t.ID)
	}
	return opts, nil
}

// AddTask stages a task in the job's current batch and returns its
// ID. Its dependencies must be tasks staged earlier or already
// submitted. Call Submit to send the batch to the backend.
func (m *Manager) AddTask(ctx context.Context, job string, spec cloudops.TaskSpec) (cloudops.TaskID, error) {
	job = cloudops.NormalizeJobName(job)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	g := m.batches[job]
	if g == nil {
		opts, err := m.graphOptions(ctx, job)
		if err != nil {
			return "", err
		}
		g = taskgraph.New(opts)
		if m.batches == nil {
			m.batches = map[string]*taskgraph.Graph{}
		}
		m.batches[job] = g
	}
	id, err := g.Add(spec)
	if err != nil {
		return "", err
	}
	m.Logger.WithFields(logrus.Fields{"Job": job, "Task": id}).Debug("task staged")
	return id, nil
}

// Submit sends the job's staged tasks to the backend in dependency
// order. If the backend fails, the batch stays staged: more tasks
// can be added to it and Submit can be called again.
func (m *Manager) Submit(ctx context.Context, job string) error {
	job = cloudops.NormalizeJobName(job)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.submitLocked(ctx, job)
}

func (m *Manager) submitLocked(ctx context.Context, job string) error {
	g := m.batches[job]
	if g == nil || g.Len() == 0 {
		return nil
	}
	order, err := g.ResolveSubmissionOrder()
	if err != nil {
		delete(m.batches, job)
		return err
	}
	if err := m.Backend.Submit(ctx, job, order); err != nil {
		g.Reopen()
		return err
	}
	delete(m.batches, job)
	m.Logger.WithFields(logrus.Fields{"Job": job, "Tasks": len(order)}).Info("tasks submitted")
	return nil
}

// AddTaskCollection adds specs as one batch and submits it. Tasks
// in the collection may depend on each other by ID or name, in any
// order, and on tasks already submitted. Tasks staged by AddTask are
// submitted first. The returned IDs are in the order of specs.
func (m *Manager) AddTaskCollection(ctx context.Context, job string, specs []cloudops.TaskSpec) ([]cloudops.TaskID, error) {
	job = cloudops.NormalizeJobName(job)
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if err := m.submitLocked(ctx, job); err != nil {
		return nil, err
	}
	opts, err := m.graphOptions(ctx, job)
	if err != nil {
		return nil, err
	}
	g, err := taskgraph.FromSpecs(opts, specs)
	if err != nil {
		return nil, err
	}
	order, err := g.ResolveSubmissionOrder()
	if err != nil {
		return nil, err
	}
	if err := m.Backend.Submit(ctx, job, order); err != nil {
		return nil, err
	}
	m.Logger.WithFields(logrus.Fields{"Job": job, "Tasks": len(order)}).Info("task collection submitted")
	return g.IDs(), nil
}
