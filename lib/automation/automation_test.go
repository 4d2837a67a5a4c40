// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package automation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cfa/cloudops/lib/backend/local"
	"github.com/cfa/cloudops/lib/job"
	"github.com/cfa/cloudops/lib/monitor"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/spf13/afero"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&documentSuite{})
var _ = check.Suite(&runSuite{})

type documentSuite struct{}

const experimentDoc = `
job:
  job_name: scan run
  pool_name: sample pool
  container: python:3.12
  save_logs_to_blob: logs
  logs_folder: /scan/
  task_retries: 2
  monitor_job: true
upload:
  container_name: inputs
  location_in_blob: scan
  files: [params.csv]
experiment:
  base_cmd: python3 model.py --r0 {r0} --seed {seed}
  seed: [1, 2]
  r0: [1.5, 2.0, 2.5]
`

func (s *documentSuite) TestParseExperiment(c *check.C) {
	doc, err := Parse([]byte(experimentDoc))
	c.Assert(err, check.IsNil)
	c.Check(doc.Job.JobName, check.Equals, "scan run")
	c.Check(doc.Job.TaskRetries, check.Equals, 2)
	c.Check(doc.Job.MonitorJob, check.Equals, true)
	c.Check(doc.Upload.Files, check.DeepEquals, []string{"params.csv"})
	c.Check(doc.Experiment.BaseCmd, check.Equals, "python3 model.py --r0 {r0} --seed {seed}")
	c.Check(doc.Experiment.Vars, check.DeepEquals, []Var{
		{Name: "seed", Values: []string{"1", "2"}},
		{Name: "r0", Values: []string{"1.5", "2.0", "2.5"}},
	})
}

func (s *documentSuite) TestParseTasks(c *check.C) {
	doc, err := Parse([]byte(`
job: {job_name: j, pool_name: p}
task:
  - {name: prep, cmd: ./prep.sh}
  - name: fit
    cmd: ./fit.sh
    depends_on: [prep]
    run_dependent_tasks_on_fail: true
`))
	c.Assert(err, check.IsNil)
	c.Check(doc.Experiment, check.IsNil)
	c.Check(doc.Tasks, check.DeepEquals, []TaskEntry{
		{Name: "prep", Cmd: "./prep.sh"},
		{Name: "fit", Cmd: "./fit.sh", DependsOn: []string{"prep"}, RunDependentTasksOnFail: true},
	})
}

func (s *documentSuite) TestParseErrors(c *check.C) {
	for _, doc := range []string{
		`job: {pool_name: p}`,
		`job: {job_name: j}`,
		`job: {job_name: j, pool_name: p}
upload: {files: [a]}`,
		`job: {job_name: j, pool_name: p}
experiment: {seed: [1]}`,
		`job: {job_name: j, pool_name: p}
experiment: {base_cmd: x, exp_yaml: p.yaml, seed: [1]}`,
		`job: {job_name: j, pool_name: p}
experiment: {base_cmd: x, seed: [[1]]}`,
		`job: {job_name: j, pool_name: p}
task: [{name: a}]`,
		`job: [`,
	} {
		_, err := Parse([]byte(doc))
		c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true, check.Commentf("%s: %v", doc, err))
	}
}

func collect(seq func(func(string) bool)) []string {
	var out []string
	for s := range seq {
		out = append(out, s)
	}
	return out
}

func (s *documentSuite) TestPermutations(c *check.C) {
	vars := []Var{
		{Name: "a", Values: []string{"1", "2"}},
		{Name: "b", Values: []string{"x", "y", "z"}},
	}
	seq := Permutations("run {a}{b} {a}", vars)
	want := []string{"run 1x 1", "run 1y 1", "run 1z 1", "run 2x 2", "run 2y 2", "run 2z 2"}
	c.Check(collect(seq), check.DeepEquals, want)
	// Restartable.
	c.Check(collect(seq), check.DeepEquals, want)

	var first []string
	for cmd := range seq {
		first = append(first, cmd)
		if len(first) == 2 {
			break
		}
	}
	c.Check(first, check.DeepEquals, want[:2])

	c.Check(collect(Permutations("once", nil)), check.DeepEquals, []string{"once"})
	c.Check(collect(Permutations("{a}", []Var{{Name: "a"}})), check.HasLen, 0)
}

func (s *documentSuite) TestCheckTemplate(c *check.C) {
	vars := []Var{{Name: "seed", Values: []string{"1"}}}
	c.Check(CheckTemplate("run --seed {seed}", vars), check.IsNil)
	err := CheckTemplate("run --seed {seed} --r0 {r0}", vars)
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*undefined variable "r0"`)
}

const paramFile = `
- scenario: low
  r0: 1.5
  verbose(flag): true
- scenario: high
  r0: 3
  verbose(flag): ""
  dry-run(flag): false
`

func (s *documentSuite) TestParamSets(c *check.C) {
	sets, err := ParseParamSets([]byte(paramFile))
	c.Assert(err, check.IsNil)
	c.Check(sets, check.HasLen, 2)
	c.Check(sets[0], check.DeepEquals, []Param{{"scenario", "low"}, {"r0", "1.5"}, {"verbose(flag)", "true"}})
	c.Check(collect(ParamCommands("python3 sim.py", sets)), check.DeepEquals, []string{
		"python3 sim.py --scenario low --r0 1.5 --verbose",
		"python3 sim.py --scenario high --r0 3",
	})

	_, err = ParseParamSets([]byte("scenario: low\n"))
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
	_, err = ParseParamSets([]byte("- {a: [1, 2]}\n"))
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
}

func (s *documentSuite) TestFetchParamFile(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(dir, "params.yaml"), []byte(paramFile), 0644), check.IsNil)
	data, err := FetchParamFile(context.Background(), "params.yaml", dir)
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, paramFile)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/exp/params.yaml" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(paramFile))
	}))
	defer srv.Close()
	data, err = FetchParamFile(context.Background(), srv.URL+"/exp/params.yaml", dir)
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, paramFile)

	_, err = FetchParamFile(context.Background(), srv.URL+"/missing.yaml", dir)
	c.Check(err, check.ErrorMatches, `fetching parameter file .*`)
}

type runSuite struct {
	ctx     context.Context
	dir     string
	store   *storage.LocalDir
	backend *local.Backend
	runner  *Runner
}

func (s *runSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	var err error
	s.store, err = storage.NewLocalDir(c.MkDir(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.backend = &local.Backend{
		FS:           afero.NewMemMapFs(),
		Runner:       local.NewExecRunner(nil, time.Second),
		Logs:         s.store,
		MountRoot:    c.MkDir(),
		PollInterval: 10 * time.Millisecond,
		Logger:       ctxlog.TestLogger(c),
	}
	c.Assert(s.backend.Start(s.ctx), check.IsNil)
	_, err = s.backend.CreatePool(s.ctx, cloudops.Pool{Name: "sample_pool", ContainerImage: "python:3.12"})
	c.Assert(err, check.IsNil)

	s.dir = c.MkDir()
	s.runner = &Runner{
		Backend: s.backend,
		Jobs:    job.NewManager(s.backend, ctxlog.TestLogger(c)),
		Storage: s.store,
		Monitor: monitor.Options{PollInterval: 20 * time.Millisecond, Timeout: 30 * time.Second},
		Dir:     s.dir,
		Logger:  ctxlog.TestLogger(c),
	}
}

func (s *runSuite) TearDownTest(c *check.C) {
	s.backend.Close()
}

func (s *runSuite) commands(c *check.C, job string) []string {
	snap, err := s.backend.Status(s.ctx, job)
	c.Assert(err, check.IsNil)
	var cmds []string
	for _, t := range snap.Tasks {
		cmds = append(cmds, t.CommandLine)
	}
	return cmds
}

func (s *runSuite) TestRunExperiment(c *check.C) {
	c.Assert(os.WriteFile(filepath.Join(s.dir, "params.csv"), []byte("r0\n1.5\n"), 0644), check.IsNil)
	doc, err := Parse([]byte(`
job:
  job_name: scan run
  pool_name: sample pool
  save_logs_to_blob: logs
  logs_folder: /scan/
  monitor_job: true
upload:
  container_name: inputs
  location_in_blob: scan
  files: [params.csv]
experiment:
  base_cmd: echo r0={r0} seed={seed}
  r0: [1.5, 2.5]
  seed: [1, 2]
`))
	c.Assert(err, check.IsNil)
	c.Assert(s.store.CreateContainer(s.ctx, "logs"), check.IsNil)

	report, err := s.runner.RunExperiment(s.ctx, doc)
	c.Assert(err, check.IsNil)
	c.Check(report.Job, check.Equals, "scanrun")
	c.Check(report.TaskIDs, check.HasLen, 4)
	c.Check(report.Uploaded, check.DeepEquals, []string{"scan/params.csv"})
	c.Assert(report.Monitor, check.NotNil)
	c.Check(report.Monitor.Outcome, check.Equals, monitor.Completed)

	c.Check(s.commands(c, "scanrun"), check.DeepEquals, []string{
		"echo r0=1.5 seed=1",
		"echo r0=1.5 seed=2",
		"echo r0=2.5 seed=1",
		"echo r0=2.5 seed=2",
	})
	logs, err := s.store.List(s.ctx, "logs", "scan/")
	c.Assert(err, check.IsNil)
	c.Check(logs, check.HasLen, 8)
}

func (s *runSuite) TestRunExperimentParamFile(c *check.C) {
	c.Assert(os.WriteFile(filepath.Join(s.dir, "grid.yaml"), []byte(paramFile), 0644), check.IsNil)
	doc, err := Parse([]byte(`
job: {job_name: grid, pool_name: sample_pool}
experiment:
  base_cmd: echo sim
  exp_yaml: grid.yaml
`))
	c.Assert(err, check.IsNil)
	report, err := s.runner.RunExperiment(s.ctx, doc)
	c.Assert(err, check.IsNil)
	c.Check(report.Monitor, check.IsNil)
	c.Check(s.commands(c, "grid"), check.DeepEquals, []string{
		"echo sim --scenario low --r0 1.5 --verbose",
		"echo sim --scenario high --r0 3",
	})
}

func (s *runSuite) TestRunTasks(c *check.C) {
	c.Assert(os.MkdirAll(filepath.Join(s.dir, "data", "sub"), 0755), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.dir, "data", "a.txt"), []byte("a"), 0644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.dir, "data", "sub", "b.txt"), []byte("b"), 0644), check.IsNil)
	doc, err := Parse([]byte(`
job: {job_name: pipeline, pool_name: sample_pool, monitor_job: true}
upload: {container_name: inputs, folders: [data]}
task:
  - {name: prep, cmd: "true"}
  - {name: fit, cmd: "exit 1", depends_on: [prep]}
  - {name: report, cmd: "true", depends_on: [fit]}
  - {name: cleanup, cmd: "true", depends_on: [fit], run_dependent_tasks_on_fail: true}
`))
	c.Assert(err, check.IsNil)
	report, err := s.runner.RunTasks(s.ctx, doc)
	c.Assert(err, check.IsNil)
	c.Check(report.TaskIDs, check.DeepEquals, []cloudops.TaskID{"prep", "fit", "report", "cleanup"})
	sort.Strings(report.Uploaded)
	c.Check(report.Uploaded, check.DeepEquals, []string{"data/a.txt", "data/sub/b.txt"})
	c.Check(report.Monitor.Outcome, check.Equals, monitor.Failed)
	snap := report.Monitor.Snapshot
	c.Check(snap.Succeeded, check.Equals, 2)
	c.Check(snap.Failed, check.Equals, 1)
	c.Check(snap.Blocked, check.Equals, 1)
}

func (s *runSuite) TestRunTasksUnknownDependency(c *check.C) {
	doc, err := Parse([]byte(`
job: {job_name: j, pool_name: sample_pool}
task:
  - {name: fit, cmd: "true", depends_on: [prep]}
  - {name: prep, cmd: "true"}
`))
	c.Assert(err, check.IsNil)
	_, err = s.runner.RunTasks(s.ctx, doc)
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true, check.Commentf("%v", err))
}

func (s *runSuite) TestMissingPool(c *check.C) {
	doc, err := Parse([]byte(`
job: {job_name: j, pool_name: nope}
task: [{cmd: "true"}]
`))
	c.Assert(err, check.IsNil)
	_, err = s.runner.RunTasks(s.ctx, doc)
	c.Check(errors.Is(err, cloudops.ErrPoolNotFound), check.Equals, true)
	_, err = s.backend.GetJob(s.ctx, "j")
	c.Check(errors.Is(err, cloudops.ErrJobNotFound), check.Equals, true)
}

func (s *runSuite) TestUploadWithoutStorage(c *check.C) {
	s.runner.Storage = nil
	doc, err := Parse([]byte(`
job: {job_name: j, pool_name: sample_pool}
upload: {container_name: inputs, files: [x]}
task: [{cmd: "true"}]
`))
	c.Assert(err, check.IsNil)
	_, err = s.runner.RunTasks(s.ctx, doc)
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
}
