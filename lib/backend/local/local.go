// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package local emulates the remote cluster on one machine: pools,
// jobs and tasks are YAML descriptor files in a state directory, and
// a single worker runs eligible tasks one at a time in containers.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/lib/taskgraph"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultPollInterval = time.Second

// Backend is the local execution backend. Callers fill in the
// exported fields and call Start.
type Backend struct {
	// State directory. Descriptor files live at the top level.
	FS     afero.Fs
	Runner ContainerRunner
	// Task logs are uploaded here when a job has a log sink.
	Logs storage.Store
	// Pool mounts are bound from MountRoot/<source>.
	MountRoot string
	// How often the worker checks job deadlines when idle.
	PollInterval time.Duration
	Registry     *prometheus.Registry
	Logger       logrus.FieldLogger

	desc   *descriptors
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mtx       sync.Mutex
	pools     map[string]cloudops.Pool
	jobs      map[string]*jobState
	jobOrder  []string
	schedules map[string]cloudops.JobSchedule

	mTasksQueued   prometheus.Gauge
	mTasksRunning  prometheus.Gauge
	mTasksFinished *prometheus.CounterVec
}

type jobState struct {
	job     cloudops.Job
	tracker *taskgraph.Tracker
	// Cancels the running task, if any.
	cancel context.CancelFunc
}

// New returns a started local backend using cfg.Local and
// cfg.Storage.
func New(ctx context.Context, cfg cloudops.Config, reg *prometheus.Registry, logger logrus.FieldLogger) (*Backend, error) {
	if cfg.Local.StateDir == "" {
		return nil, fmt.Errorf("local backend needs a state directory")
	}
	if err := os.MkdirAll(cfg.Local.StateDir, 0755); err != nil {
		return nil, err
	}
	var runner ContainerRunner
	switch cfg.Local.Runtime {
	case "docker", "":
		var err error
		runner, err = NewDockerRunner()
		if err != nil {
			return nil, err
		}
	case "exec":
		runner = NewExecRunner(cfg.Local.ExecImages, 0)
	default:
		return nil, fmt.Errorf("unknown local runtime %q (must be \"docker\" or \"exec\")", cfg.Local.Runtime)
	}
	scfg := cfg.Storage
	if (scfg.Driver == "" || scfg.Driver == "localdir") && scfg.Root == "" {
		scfg.Root = filepath.Join(cfg.Local.StateDir, "blobs")
	}
	logs, err := storage.New(ctx, scfg, logger)
	if err != nil {
		return nil, err
	}
	mountRoot := cfg.Local.MountRoot
	if mountRoot == "" {
		mountRoot = filepath.Join(cfg.Local.StateDir, "mounts")
	}
	b := &Backend{
		FS:           afero.NewBasePathFs(afero.NewOsFs(), cfg.Local.StateDir),
		Runner:       runner,
		Logs:         logs,
		MountRoot:    mountRoot,
		PollInterval: cfg.Local.PollInterval.Duration(),
		Registry:     reg,
		Logger:       logger,
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Start loads the descriptor files and starts the worker. Tasks that
// were running when the previous process stopped are run again.
func (b *Backend) Start(ctx context.Context) error {
	if b.Logger == nil {
		b.Logger = logrus.StandardLogger()
	}
	if b.PollInterval <= 0 {
		b.PollInterval = defaultPollInterval
	}
	desc, err := newDescriptors(b.FS)
	if err != nil {
		return err
	}
	b.desc = desc
	b.pools, err = loadAll[cloudops.Pool](desc, kindPool)
	if err != nil {
		return err
	}
	b.schedules, err = loadAll[cloudops.JobSchedule](desc, kindSchedule)
	if err != nil {
		return err
	}
	jobs, err := loadAll[cloudops.Job](desc, kindJob)
	if err != nil {
		return err
	}
	b.jobs = map[string]*jobState{}
	for name, job := range jobs {
		js := &jobState{job: job, tracker: taskgraph.NewTracker()}
		var tasks []cloudops.Task
		if _, err := desc.get(kindTasks, name, &tasks); err != nil {
			return err
		}
		js.tracker.Restore(tasks)
		b.jobs[name] = js
		b.jobOrder = append(b.jobOrder, name)
	}
	sort.Slice(b.jobOrder, func(i, j int) bool {
		ji, jj := b.jobs[b.jobOrder[i]].job, b.jobs[b.jobOrder[j]].job
		if !ji.CreatedAt.Equal(jj.CreatedAt) {
			return ji.CreatedAt.Before(jj.CreatedAt)
		}
		return ji.Name < jj.Name
	})
	b.registerMetrics(b.Registry)
	b.Logger.WithFields(logrus.Fields{
		"Pools": len(b.pools),
		"Jobs":  len(b.jobs),
	}).Debug("loaded descriptors")

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.wake = make(chan struct{}, 1)
	b.done = make(chan struct{})
	go b.run()
	return nil
}

// Close stops the worker. A task that is running is interrupted and
// left recorded as running, so it runs again after a restart.
func (b *Backend) Close() error {
	b.cancel()
	<-b.done
	return nil
}

func (b *Backend) Name() string { return "local" }

func (b *Backend) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Backend) saveTasks(js *jobState) error {
	return b.desc.put(kindTasks, js.job.Name, js.tracker.Tasks())
}

func (b *Backend) CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error) {
	if pool.Name == "" {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool name is empty")
	}
	if pool.ContainerImage == "" {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "local pool %q needs a container image", pool.Name)
	}
	if pool.ScaleMode == "" {
		pool.ScaleMode = cloudops.ScaleFixed
	}
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = time.Now().UTC()
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, exists := b.pools[pool.Name]; exists {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrPoolAlreadyExists, "pool %q", pool.Name)
	}
	for _, m := range pool.Mounts {
		if !filepath.IsLocal(m.Source) {
			return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool %q: mount source %q is outside the mount root", pool.Name, m.Source)
		}
	}
	for _, m := range pool.Mounts {
		if err := os.MkdirAll(filepath.Join(b.MountRoot, m.Source), 0755); err != nil {
			return cloudops.Pool{}, err
		}
	}
	if err := b.desc.put(kindPool, pool.Name, pool); err != nil {
		return cloudops.Pool{}, err
	}
	b.pools[pool.Name] = pool
	b.Logger.WithFields(logrus.Fields{
		"Pool":           pool.Name,
		"ContainerImage": pool.ContainerImage,
	}).Info("created pool")
	return pool, nil
}

func (b *Backend) GetPool(ctx context.Context, name string) (cloudops.Pool, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	pool, ok := b.pools[name]
	if !ok {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrPoolNotFound, "pool %q", name)
	}
	return pool, nil
}

func (b *Backend) ListPools(ctx context.Context) ([]cloudops.Pool, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	pools := make([]cloudops.Pool, 0, len(b.pools))
	for _, pool := range b.pools {
		pools = append(pools, pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools, nil
}

// DeletePool removes the pool descriptor. Mount directories are left
// in place.
func (b *Backend) DeletePool(ctx context.Context, name string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.pools[name]; !ok {
		return cloudops.Errorf(cloudops.ErrPoolNotFound, "pool %q", name)
	}
	if err := b.desc.remove(kindPool, name); err != nil {
		return err
	}
	delete(b.pools, name)
	b.Logger.WithField("Pool", name).Info("deleted pool")
	return nil
}

func (b *Backend) CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error) {
	if job.Name == "" {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job name is empty")
	}
	if job.TaskIDPolicy == "" {
		job.TaskIDPolicy = cloudops.TaskIDString
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.State = cloudops.JobActive
	job.UsesTaskDependencies = true
	job.FailureReason = ""
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, exists := b.jobs[job.Name]; exists {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job %q", job.Name)
	}
	if err := b.desc.put(kindJob, job.Name, job); err != nil {
		return cloudops.Job{}, err
	}
	b.jobs[job.Name] = &jobState{job: job, tracker: taskgraph.NewTracker()}
	b.jobOrder = append(b.jobOrder, job.Name)
	b.Logger.WithFields(logrus.Fields{"Job": job.Name, "Pool": job.Pool}).Info("created job")
	b.poke()
	return job, nil
}

func (b *Backend) GetJob(ctx context.Context, name string) (cloudops.Job, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	js, ok := b.jobs[name]
	if !ok {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", name)
	}
	return js.job, nil
}

// DeleteJob stops the job's running task, if any, and removes the job
// and task descriptors.
func (b *Backend) DeleteJob(ctx context.Context, name string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	js, ok := b.jobs[name]
	if !ok {
		return cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", name)
	}
	if err := b.desc.remove(kindTasks, name); err != nil {
		return err
	}
	if err := b.desc.remove(kindJob, name); err != nil {
		return err
	}
	js.tracker.Cancel(cloudops.ReasonCancelled, time.Now().UTC())
	if js.cancel != nil {
		js.cancel()
	}
	delete(b.jobs, name)
	for i, n := range b.jobOrder {
		if n == name {
			b.jobOrder = append(b.jobOrder[:i], b.jobOrder[i+1:]...)
			break
		}
	}
	b.Logger.WithField("Job", name).Info("deleted job")
	return nil
}

func (b *Backend) CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error) {
	if sched.Name == "" {
		return cloudops.JobSchedule{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "schedule name is empty")
	}
	now := time.Now().UTC()
	if err := sched.Recurrence.Validate(now); err != nil {
		return cloudops.JobSchedule{}, err
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, exists := b.schedules[sched.Name]; exists {
		return cloudops.JobSchedule{}, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job schedule %q", sched.Name)
	}
	if err := b.desc.put(kindSchedule, sched.Name, sched); err != nil {
		return cloudops.JobSchedule{}, err
	}
	b.schedules[sched.Name] = sched
	return sched, nil
}

func (b *Backend) GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	sched, ok := b.schedules[name]
	if !ok {
		return cloudops.JobSchedule{}, cloudops.Errorf(cloudops.ErrJobNotFound, "job schedule %q", name)
	}
	return sched, nil
}

// Submit appends tasks, already in submission order, to an active
// job.
func (b *Backend) Submit(ctx context.Context, job string, tasks []cloudops.Task) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	js, ok := b.jobs[job]
	if !ok {
		return cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", job)
	}
	if js.job.State != cloudops.JobActive {
		return cloudops.Errorf(cloudops.ErrInvalidSpec, "job %q is %s", job, js.job.State)
	}
	for i := range tasks {
		tasks[i].Job = job
	}
	if err := js.tracker.Add(tasks, time.Now().UTC()); err != nil {
		return err
	}
	if err := b.saveTasks(js); err != nil {
		return err
	}
	b.Logger.WithFields(logrus.Fields{"Job": job, "Tasks": len(tasks)}).Debug("submitted tasks")
	b.updateMetrics()
	b.poke()
	return nil
}

func (b *Backend) Status(ctx context.Context, job string) (*cloudops.JobStatusSnapshot, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	js, ok := b.jobs[job]
	if !ok {
		return nil, cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", job)
	}
	return cloudops.NewSnapshot(js.job, js.tracker.Tasks(), time.Now().UTC()), nil
}

// Cancel fails the job's unfinished tasks, stops the running one, and
// marks the job completed. Cancelling a completed job does nothing.
func (b *Backend) Cancel(ctx context.Context, job string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	js, ok := b.jobs[job]
	if !ok {
		return cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", job)
	}
	if js.job.State == cloudops.JobCompleted {
		return nil
	}
	b.Logger.WithField("Job", job).Info("cancelling job")
	return b.terminate(js, cloudops.ReasonCancelled, time.Now().UTC())
}

// terminate fails the job's unfinished tasks with reason and marks
// the job completed. Caller must have lock.
func (b *Backend) terminate(js *jobState, reason string, now time.Time) error {
	js.tracker.Cancel(reason, now)
	if js.cancel != nil {
		js.cancel()
	}
	js.job.State = cloudops.JobCompleted
	js.job.FailureReason = reason
	b.updateMetrics()
	if err := b.saveTasks(js); err != nil {
		return err
	}
	return b.desc.put(kindJob, js.job.Name, js.job)
}

func (b *Backend) ResolveImage(ctx context.Context, ref string) (cloudops.ImageRef, error) {
	return b.Runner.Inspect(ctx, ref)
}

func (b *Backend) ListImages(ctx context.Context) ([]cloudops.ImageRef, error) {
	return b.Runner.Images(ctx)
}
