// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cfa/cloudops/lib/automation"
	"github.com/cfa/cloudops/lib/config"
	"github.com/cfa/cloudops/lib/monitor"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&clientSuite{})

type clientSuite struct {
	ctx context.Context
	dir string
	cfg *cloudops.Config
	cl  *Client
}

func (s *clientSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.dir = c.MkDir()
	ldr := config.NewLoader(bytes.NewBufferString(`
Local:
  StateDir: `+s.dir+`/state
  Runtime: exec
  ExecImages: [python:3.12, ubuntu:22.04]
  PollInterval: 10ms
Storage:
  Root: `+s.dir+`/blobs
Monitor:
  PollInterval: 20ms
  DefaultTimeout: 30s
`), ctxlog.TestLogger(c))
	ldr.Path = "-"
	ldr.SkipEnv = true
	var err error
	s.cfg, err = ldr.Load()
	c.Assert(err, check.IsNil)
	s.cl, err = New(s.ctx, s.cfg, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
}

func (s *clientSuite) TearDownTest(c *check.C) {
	c.Check(s.cl.Close(), check.IsNil)
}

func (s *clientSuite) TestMonitorDefaults(c *check.C) {
	c.Check(s.cl.Monitor.PollInterval, check.Equals, 20*time.Millisecond)
	c.Check(s.cl.Monitor.Timeout, check.Equals, 30*time.Second)
	opts := s.cl.monitorOptions(monitor.Options{Timeout: time.Minute})
	c.Check(opts.Timeout, check.Equals, time.Minute)
	c.Check(opts.PollInterval, check.Equals, 20*time.Millisecond)
}

func (s *clientSuite) TestPoolLifecycle(c *check.C) {
	pool, err := s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "sample pool", ContainerImage: "python:3.12"})
	c.Assert(err, check.IsNil)
	c.Check(pool.Name, check.Equals, "sample_pool")
	c.Check(pool.DedicatedNodes, check.Equals, 5)

	_, err = s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "sample pool", ContainerImage: "python:3.12"})
	c.Check(errors.Is(err, cloudops.ErrPoolAlreadyExists), check.Equals, true, check.Commentf("%v", err))

	_, err = s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "other", ContainerImage: "busybox"})
	c.Check(errors.Is(err, cloudops.ErrDeploymentAborted), check.Equals, true, check.Commentf("%v", err))

	images, err := s.cl.ListAvailableImages(s.ctx, "ubuntu*")
	c.Assert(err, check.IsNil)
	c.Assert(images, check.HasLen, 1)
	c.Check(images[0].Name, check.Equals, "ubuntu")

	c.Check(s.cl.DeletePool(s.ctx, "sample pool"), check.IsNil)
	err = s.cl.DeletePool(s.ctx, "sample pool")
	c.Check(errors.Is(err, cloudops.ErrPoolNotFound), check.Equals, true, check.Commentf("%v", err))
}

func (s *clientSuite) TestJobWithDependentTasks(c *check.C) {
	_, err := s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "sample pool", ContainerImage: "ubuntu:22.04"})
	c.Assert(err, check.IsNil)
	job, err := s.cl.CreateJob(s.ctx, cloudops.JobSpec{Name: "run 1", Pool: "sample pool", TaskIDInts: true})
	c.Assert(err, check.IsNil)
	c.Check(job.Name, check.Equals, "run1")

	first, err := s.cl.AddTask(s.ctx, "run 1", cloudops.TaskSpec{CommandLine: "true"})
	c.Assert(err, check.IsNil)
	second, err := s.cl.AddTask(s.ctx, "run 1", cloudops.TaskSpec{CommandLine: "exit 3", DependsOn: []cloudops.TaskID{first}})
	c.Assert(err, check.IsNil)
	c.Check([]cloudops.TaskID{first, second}, check.DeepEquals, []cloudops.TaskID{"1", "2"})
	c.Assert(s.cl.SubmitTasks(s.ctx, "run 1"), check.IsNil)

	ids, err := s.cl.AddTaskCollection(s.ctx, "run1", []cloudops.TaskSpec{
		{CommandLine: "true", DependsOn: []cloudops.TaskID{second}},
		{CommandLine: "true", DependsOn: []cloudops.TaskID{second}, RunDependentTasksOnFail: true},
	})
	c.Assert(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []cloudops.TaskID{"3", "4"})

	var out bytes.Buffer
	res, err := s.cl.MonitorJob(s.ctx, "run 1", monitor.Options{Out: &out})
	c.Assert(err, check.IsNil)
	c.Check(res.Outcome, check.Equals, monitor.Failed)
	c.Check(res.Snapshot.Succeeded, check.Equals, 2)
	c.Check(res.Snapshot.Failed, check.Equals, 1)
	c.Check(res.Snapshot.Blocked, check.Equals, 1)
	c.Check(out.String(), check.Matches, `(?ms).*1 failed; 1 blocked\n`)

	state, err := s.cl.CheckJobStatus(s.ctx, "run 1")
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, cloudops.JobActive)

	file := filepath.Join(s.dir, "stats.csv")
	got, err := s.cl.DownloadJobStats(s.ctx, "run 1", file)
	c.Assert(err, check.IsNil)
	c.Check(got, check.Equals, file)
	buf, err := os.ReadFile(file)
	c.Assert(err, check.IsNil)
	c.Check(strings.Count(string(buf), "\n"), check.Equals, 5)

	c.Check(s.cl.DeleteJob(s.ctx, "run 1"), check.IsNil)
	_, err = s.cl.CheckJobStatus(s.ctx, "run 1")
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true, check.Commentf("%v", err))
}

func (s *clientSuite) TestCreateJobSchedule(c *check.C) {
	_, err := s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "nightly", ContainerImage: "python:3.12"})
	c.Assert(err, check.IsNil)
	sched, err := s.cl.CreateJobSchedule(s.ctx, cloudops.ScheduleSpec{
		Name:       "nightly",
		Job:        cloudops.JobSpec{Name: "nightly run", Pool: "nightly"},
		Recurrence: cloudops.Recurrence{Interval: cloudops.Duration(24 * time.Hour)},
	})
	c.Assert(err, check.IsNil)
	c.Check(sched.Name, check.Equals, "nightly")
}

func (s *clientSuite) TestRunDocument(c *check.C) {
	_, err := s.cl.CreatePool(s.ctx, cloudops.PoolSpec{Name: "sample pool", ContainerImage: "python:3.12"})
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.dir, "params.csv"), []byte("r0\n1.5\n"), 0644), check.IsNil)
	doc, err := automation.Parse([]byte(`
job: {job_name: scan, pool_name: sample pool, container: python:3.12, monitor_job: true}
upload: {container_name: inputs, files: [params.csv]}
experiment:
  base_cmd: echo {r0} {seed}
  r0: [1.5, 2.5]
  seed: [1, 2]
`))
	c.Assert(err, check.IsNil)
	report, err := s.cl.RunDocument(s.ctx, doc, s.dir)
	c.Assert(err, check.IsNil)
	c.Check(report.Job, check.Equals, "scan")
	c.Check(report.TaskIDs, check.HasLen, 4)
	c.Check(report.Uploaded, check.DeepEquals, []string{"params.csv"})
	c.Check(report.Monitor.Outcome, check.Equals, monitor.Completed)
	_, err = os.Stat(filepath.Join(s.dir, "blobs", "inputs", "params.csv"))
	c.Check(err, check.IsNil)
}
