// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package elastic implements the cluster service on top of a cloud
// driver: it keeps each pool's nodes at the fixed or autoscaled
// target, and runs eligible tasks on free node slots.
package elastic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cfa/cloudops/lib/autoscale"
	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/lib/cluster"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/lib/taskgraph"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSyncInterval       = 10 * time.Second
	defaultEvaluationInterval = 5 * time.Minute
	defaultSampleWindow       = 15 * time.Minute
)

// Cluster is a cluster.Service. Callers fill in the exported fields,
// optionally call Load, then Start.
type Cluster struct {
	Context     context.Context
	Config      cloudops.ClusterConfig
	InstanceSet cloud.InstanceSet
	// Used to log in to nodes that are not cloud.LocalInstances.
	SSHKey ssh.Signer
	// If set, overrides the default choice of executor (the
	// node's own, or SSH).
	NewExecutor func(cloud.Instance) cloud.Executor
	// Task logs are uploaded here when a job has a log sink. Nil
	// means logs are discarded.
	Logs     storage.Store
	Records  Records
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger
	// Pending task samples are kept this long for the default
	// autoscale formula.
	SampleWindow time.Duration

	setupOnce sync.Once
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	tasks     sync.WaitGroup

	mtx       sync.Mutex
	pools     map[string]*nodePool
	jobs      map[string]*jobState
	jobOrder  []string
	schedules map[string]cloudops.JobSchedule
	destroyed map[cloud.InstanceID]time.Time

	throttleCreate    throttle
	throttleInstances throttle

	mNodes         *prometheus.GaugeVec
	mTasksQueued   prometheus.Gauge
	mTasksRunning  prometheus.Gauge
	mTasksFinished *prometheus.CounterVec
}

var _ cluster.Service = (*Cluster)(nil)

type jobState struct {
	job     cloudops.Job
	tracker *taskgraph.Tracker
	running map[cloudops.TaskID]context.CancelFunc
}

func newJobState(job cloudops.Job) *jobState {
	return &jobState{
		job:     job,
		tracker: taskgraph.NewTracker(),
		running: map[cloudops.TaskID]context.CancelFunc{},
	}
}

func (c *Cluster) setup() {
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	c.ctx, c.cancel = context.WithCancel(c.Context)
	c.wake = make(chan struct{}, 1)
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	c.pools = map[string]*nodePool{}
	c.jobs = map[string]*jobState{}
	c.schedules = map[string]cloudops.JobSchedule{}
	c.destroyed = map[cloud.InstanceID]time.Time{}
	c.registerMetrics(c.Registry)
}

func (c *Cluster) syncInterval() time.Duration {
	if d := c.Config.SyncInterval.Duration(); d > 0 {
		return d
	}
	return defaultSyncInterval
}

// Load restores pools, jobs, schedules and tasks from c.Records.
// Tasks that were running when the records were saved are queued
// again.
func (c *Cluster) Load(ctx context.Context) error {
	c.setupOnce.Do(c.setup)
	if c.Records == nil {
		return nil
	}
	snap, err := c.Records.Load(ctx)
	if err != nil {
		return cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "loading cluster records")
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, pool := range snap.Pools {
		np, err := c.newNodePool(pool)
		if err != nil {
			c.Logger.WithField("Pool", pool.Name).WithError(err).Warn("skipping stored pool")
			continue
		}
		c.pools[pool.Name] = np
	}
	sort.SliceStable(snap.Jobs, func(i, j int) bool {
		return snap.Jobs[i].CreatedAt.Before(snap.Jobs[j].CreatedAt)
	})
	for _, job := range snap.Jobs {
		js := newJobState(job)
		js.tracker.Restore(snap.Tasks[job.Name])
		c.jobs[job.Name] = js
		c.jobOrder = append(c.jobOrder, job.Name)
	}
	for _, sched := range snap.Schedules {
		c.schedules[sched.Name] = sched
	}
	c.Logger.WithFields(logrus.Fields{
		"Pools":     len(c.pools),
		"Jobs":      len(c.jobs),
		"Schedules": len(c.schedules),
	}).Info("loaded cluster records")
	return nil
}

// Start the sync loop. Start can be called multiple times with no
// ill effect.
func (c *Cluster) Start() {
	c.setupOnce.Do(c.setup)
	c.startOnce.Do(func() { go c.run() })
}

// Stop the sync loop and abandon running tasks. Nodes are left
// alone, so a new Cluster can adopt them.
func (c *Cluster) Stop() {
	c.Start()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.stopped
	c.cancel()
	c.tasks.Wait()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, np := range c.pools {
		for _, n := range np.nodes {
			n.closeExecutor()
		}
	}
}

func (c *Cluster) run() {
	defer close(c.stopped)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-c.wake:
		case <-c.stop:
			c.Logger.Debug("cluster sync loop stopped")
			return
		}
		c.sync()
		timer.Reset(c.syncInterval())
	}
}

// poke makes the sync loop run soon.
func (c *Cluster) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cluster) sync() {
	c.refreshInstances()
	now := time.Now()
	c.mtx.Lock()
	c.checkJobs(now)
	plan := c.planScaling(now)
	c.mtx.Unlock()

	c.applyScaling(plan)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.schedule(time.Now())
	c.updateMetrics()
}

// checkJobs times out jobs past their deadline and completes jobs
// whose tasks have all settled. Caller must have lock.
func (c *Cluster) checkJobs(now time.Time) {
	for _, name := range c.jobOrder {
		js := c.jobs[name]
		if js.job.State != cloudops.JobActive {
			continue
		}
		if dl := js.job.Deadline(); !dl.IsZero() && now.After(dl) {
			c.Logger.WithField("Job", name).Info("job timed out")
			c.terminate(c.ctx, js, cloudops.ReasonTimeout, now)
			continue
		}
		if js.job.MarkCompleteAfterTasksRun && js.tracker.Settled() {
			c.Logger.WithField("Job", name).Info("all tasks settled; job completed")
			js.job.State = cloudops.JobCompleted
			c.saveLogged(func(ctx context.Context, rec Records) error { return rec.PutJob(ctx, js.job) })
		}
	}
}

// terminate cancels a job's unfinished tasks and marks it completed.
// Caller must have lock.
func (c *Cluster) terminate(ctx context.Context, js *jobState, reason string, now time.Time) error {
	taskReason := cloudops.ReasonCancelled
	if reason == cloudops.ReasonTimeout {
		taskReason = cloudops.ReasonTimeout
	}
	for _, id := range js.tracker.Cancel(taskReason, now) {
		if cancel, ok := js.running[id]; ok {
			cancel()
		}
	}
	js.job.State = cloudops.JobCompleted
	js.job.FailureReason = reason
	return c.save(ctx, func(ctx context.Context, rec Records) error {
		if err := rec.PutTasks(ctx, js.job.Name, js.tracker.Tasks()); err != nil {
			return err
		}
		return rec.PutJob(ctx, js.job)
	})
}

// save runs fn against c.Records, if there is one.
func (c *Cluster) save(ctx context.Context, fn func(context.Context, Records) error) error {
	if c.Records == nil {
		return nil
	}
	if err := fn(ctx, c.Records); err != nil {
		return cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "saving cluster records")
	}
	return nil
}

func (c *Cluster) saveLogged(fn func(context.Context, Records) error) {
	if err := c.save(c.ctx, fn); err != nil {
		c.Logger.WithError(err).Warn("failed to save cluster records")
	}
}

func (c *Cluster) CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error) {
	c.setupOnce.Do(c.setup)
	if pool.Name == "" {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool name is empty")
	}
	if pool.ScaleMode == "" {
		pool.ScaleMode = cloudops.ScaleFixed
	}
	if pool.TaskSlotsPerNode < 1 {
		pool.TaskSlotsPerNode = 1
	}
	if pool.CreatedAt.IsZero() {
		pool.CreatedAt = time.Now().UTC()
	}
	np, err := c.newNodePool(pool)
	if err != nil {
		return cloudops.Pool{}, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, exists := c.pools[pool.Name]; exists {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrPoolAlreadyExists, "pool %q", pool.Name)
	}
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.PutPool(ctx, pool) }); err != nil {
		return cloudops.Pool{}, err
	}
	c.pools[pool.Name] = np
	c.Logger.WithFields(logrus.Fields{
		"Pool":      pool.Name,
		"VMSize":    pool.VMSize,
		"ScaleMode": pool.ScaleMode,
	}).Info("created pool")
	c.poke()
	return pool, nil
}

func (c *Cluster) GetPool(ctx context.Context, name string) (cloudops.Pool, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	np, ok := c.pools[name]
	if !ok {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrPoolNotFound, "pool %q", name)
	}
	return np.pool, nil
}

func (c *Cluster) ListPools(ctx context.Context) ([]cloudops.Pool, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	pools := make([]cloudops.Pool, 0, len(c.pools))
	for _, np := range c.pools {
		pools = append(pools, np.pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools, nil
}

// DeletePool forgets the pool and destroys its nodes in the
// background. Tasks still running on them fail.
func (c *Cluster) DeletePool(ctx context.Context, name string) error {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	np, ok := c.pools[name]
	if !ok {
		return cloudops.Errorf(cloudops.ErrPoolNotFound, "pool %q", name)
	}
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.DeletePool(ctx, name) }); err != nil {
		return err
	}
	delete(c.pools, name)
	var insts []cloud.Instance
	for id, n := range np.nodes {
		c.destroyed[id] = time.Now()
		insts = append(insts, n.inst)
		n.closeExecutor()
	}
	go c.destroyInstances(insts)
	c.Logger.WithFields(logrus.Fields{"Pool": name, "Nodes": len(insts)}).Info("deleted pool")
	return nil
}

// ListNodeImages returns the node images in use by pools and the
// cluster default.
func (c *Cluster) ListNodeImages(ctx context.Context) ([]cloudops.ImageRef, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	seen := map[string]bool{}
	if c.Config.ImageID != "" {
		seen[c.Config.ImageID] = true
	}
	for _, np := range c.pools {
		if np.pool.NodeImage != "" {
			seen[np.pool.NodeImage] = true
		}
	}
	images := make([]cloudops.ImageRef, 0, len(seen))
	for name := range seen {
		images = append(images, cloudops.ImageRef{Name: name, Origin: cloudops.ImageOriginNode})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

func (c *Cluster) CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error) {
	c.setupOnce.Do(c.setup)
	if job.Name == "" {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "job name is empty")
	}
	if job.TaskIDPolicy == "" {
		job.TaskIDPolicy = cloudops.TaskIDString
	}
	if job.State == "" {
		job.State = cloudops.JobActive
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UsesTaskDependencies = true
	job.FailureReason = ""
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, exists := c.jobs[job.Name]; exists {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job %q", job.Name)
	}
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.PutJob(ctx, job) }); err != nil {
		return cloudops.Job{}, err
	}
	c.jobs[job.Name] = newJobState(job)
	c.jobOrder = append(c.jobOrder, job.Name)
	c.Logger.WithFields(logrus.Fields{"Job": job.Name, "Pool": job.Pool}).Info("created job")
	return job, nil
}

func (c *Cluster) GetJob(ctx context.Context, name string) (cloudops.Job, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	js, ok := c.jobs[name]
	if !ok {
		return cloudops.Job{}, cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", name)
	}
	return js.job, nil
}

// DeleteJob cancels the job's running tasks and forgets it.
func (c *Cluster) DeleteJob(ctx context.Context, name string) error {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	js, ok := c.jobs[name]
	if !ok {
		return cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", name)
	}
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.DeleteJob(ctx, name) }); err != nil {
		return err
	}
	js.tracker.Cancel(cloudops.ReasonCancelled, time.Now())
	for _, cancel := range js.running {
		cancel()
	}
	delete(c.jobs, name)
	for i, n := range c.jobOrder {
		if n == name {
			c.jobOrder = append(c.jobOrder[:i], c.jobOrder[i+1:]...)
			break
		}
	}
	c.Logger.WithField("Job", name).Info("deleted job")
	return nil
}

// TerminateJob cancels the job's unfinished tasks and marks it
// completed with the given failure reason. Terminating a completed
// job does nothing.
func (c *Cluster) TerminateJob(ctx context.Context, name, reason string) error {
	c.setupOnce.Do(c.setup)
	if reason == "" {
		reason = cloudops.ReasonCancelled
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	js, ok := c.jobs[name]
	if !ok {
		return cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", name)
	}
	if js.job.State == cloudops.JobCompleted {
		return nil
	}
	c.Logger.WithFields(logrus.Fields{"Job": name, "Reason": reason}).Info("terminating job")
	return c.terminate(ctx, js, reason, time.Now())
}

func (c *Cluster) CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error) {
	c.setupOnce.Do(c.setup)
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
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, exists := c.schedules[sched.Name]; exists {
		return cloudops.JobSchedule{}, cloudops.Errorf(cloudops.ErrJobAlreadyExists, "job schedule %q", sched.Name)
	}
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.PutSchedule(ctx, sched) }); err != nil {
		return cloudops.JobSchedule{}, err
	}
	c.schedules[sched.Name] = sched
	return sched, nil
}

func (c *Cluster) GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	sched, ok := c.schedules[name]
	if !ok {
		return cloudops.JobSchedule{}, cloudops.Errorf(cloudops.ErrJobNotFound, "job schedule %q", name)
	}
	return sched, nil
}

// AddTasks appends tasks, already in submission order, to an active
// job.
func (c *Cluster) AddTasks(ctx context.Context, job string, tasks []cloudops.Task) error {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	js, ok := c.jobs[job]
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
	if err := c.save(ctx, func(ctx context.Context, rec Records) error { return rec.PutTasks(ctx, job, js.tracker.Tasks()) }); err != nil {
		return err
	}
	c.Logger.WithFields(logrus.Fields{"Job": job, "Tasks": len(tasks)}).Debug("added tasks")
	c.poke()
	return nil
}

func (c *Cluster) ListTasks(ctx context.Context, job string) ([]cloudops.Task, error) {
	c.setupOnce.Do(c.setup)
	c.mtx.Lock()
	defer c.mtx.Unlock()
	js, ok := c.jobs[job]
	if !ok {
		return nil, cloudops.Errorf(cloudops.ErrJobNotFound, "job %q", job)
	}
	return js.tracker.Tasks(), nil
}

func (c *Cluster) sampleWindow() time.Duration {
	if c.SampleWindow > 0 {
		return c.SampleWindow
	}
	return defaultSampleWindow
}

func (c *Cluster) newNodePool(pool cloudops.Pool) (*nodePool, error) {
	it, err := c.instanceType(pool.VMSize)
	if err != nil {
		return nil, err
	}
	np := &nodePool{
		pool:    pool,
		it:      it,
		sampler: &autoscale.Sampler{Window: c.sampleWindow(), Interval: c.syncInterval()},
		nodes:   map[cloud.InstanceID]*node{},
	}
	if pool.ScaleMode == cloudops.ScaleAutoscale {
		np.formula, err = autoscale.Lookup(pool.AutoscaleFormula, pool.MaxAutoscaleNodes)
		if err != nil {
			return nil, err
		}
	}
	return np, nil
}

// instanceType maps a pool VM size to a configured instance type. If
// no instance types are configured, any VM size is passed through to
// the driver as the provider type.
func (c *Cluster) instanceType(vmSize string) (cloudops.InstanceType, error) {
	if it, ok := c.Config.InstanceTypes[vmSize]; ok {
		if it.Name == "" {
			it.Name = vmSize
		}
		if it.ProviderType == "" {
			it.ProviderType = vmSize
		}
		return it, nil
	}
	if len(c.Config.InstanceTypes) > 0 {
		return cloudops.InstanceType{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "unknown VM size %q", vmSize)
	}
	return cloudops.InstanceType{Name: vmSize, ProviderType: vmSize}, nil
}
