// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package automation

import (
	"context"
	"iter"
	"os"
	"path"
	"path/filepath"

	"github.com/cfa/cloudops/lib/backend"
	"github.com/cfa/cloudops/lib/job"
	"github.com/cfa/cloudops/lib/monitor"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// Backend is the part of the execution backend the runner uses
// directly.
type Backend interface {
	backend.Runner
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
}

// Runner carries out documents.
type Runner struct {
	Backend Backend
	Jobs    *job.Manager
	// Destination of upload sections. Nil means documents with an
	// upload section are rejected.
	Storage storage.Store
	// Used when a document asks for the job to be monitored.
	Monitor monitor.Options
	// Directory that relative paths in documents are resolved
	// against. Empty means the current directory.
	Dir    string
	Logger logrus.FieldLogger
}

// Report describes what a run did.
type Report struct {
	Job      string
	TaskIDs  []cloudops.TaskID
	Uploaded []string
	// Set if the document asked for the job to be monitored.
	Monitor *monitor.Result
}

// RunExperiment creates the document's job and adds one task per
// generated command.
func (r *Runner) RunExperiment(ctx context.Context, doc *Document) (*Report, error) {
	ex := doc.Experiment
	if ex == nil {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "document has no experiment section")
	}
	var commands iter.Seq[string]
	if ex.ParamFile != "" {
		data, err := FetchParamFile(ctx, ex.ParamFile, r.dir())
		if err != nil {
			return nil, err
		}
		sets, err := ParseParamSets(data)
		if err != nil {
			return nil, err
		}
		commands = ParamCommands(ex.BaseCmd, sets)
	} else {
		if err := CheckTemplate(ex.BaseCmd, ex.Vars); err != nil {
			return nil, err
		}
		commands = Permutations(ex.BaseCmd, ex.Vars)
	}

	report, err := r.setup(ctx, doc)
	if err != nil {
		return nil, err
	}
	for cmd := range commands {
		id, err := r.Jobs.AddTask(ctx, report.Job, cloudops.TaskSpec{
			CommandLine:    cmd,
			ContainerImage: doc.Job.Container,
		})
		if err != nil {
			return report, err
		}
		report.TaskIDs = append(report.TaskIDs, id)
	}
	return r.finish(ctx, doc, report)
}

// RunTasks creates the document's job and adds its task list.
// Dependencies name earlier tasks.
func (r *Runner) RunTasks(ctx context.Context, doc *Document) (*Report, error) {
	if len(doc.Tasks) == 0 {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "document has no tasks")
	}
	report, err := r.setup(ctx, doc)
	if err != nil {
		return nil, err
	}
	ids := map[string]cloudops.TaskID{}
	for i, t := range doc.Tasks {
		spec := cloudops.TaskSpec{
			Name:                    t.Name,
			CommandLine:             t.Cmd,
			RunDependentTasksOnFail: t.RunDependentTasksOnFail,
			ContainerImage:          t.ContainerImage,
		}
		if spec.ContainerImage == "" {
			spec.ContainerImage = doc.Job.Container
		}
		for _, dep := range t.DependsOn {
			id, ok := ids[dep]
			if !ok {
				return report, cloudops.Errorf(cloudops.ErrUnknownDependency, "task %d (%s) depends on %q, which is not an earlier task", i+1, t.Name, dep)
			}
			spec.DependsOn = append(spec.DependsOn, id)
		}
		id, err := r.Jobs.AddTask(ctx, report.Job, spec)
		if err != nil {
			return report, err
		}
		if t.Name != "" {
			ids[t.Name] = id
		}
		report.TaskIDs = append(report.TaskIDs, id)
	}
	return r.finish(ctx, doc, report)
}

func (r *Runner) dir() string {
	if r.Dir != "" {
		return r.Dir
	}
	wd, _ := os.Getwd()
	return wd
}

func (r *Runner) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.dir(), p)
}

// setup verifies the pool, uploads inputs and creates the job.
func (r *Runner) setup(ctx context.Context, doc *Document) (*Report, error) {
	pool := cloudops.NormalizePoolName(doc.Job.PoolName)
	if _, err := r.Backend.GetPool(ctx, pool); err != nil {
		return nil, err
	}
	report := &Report{}
	if up := doc.Upload; up != nil {
		names, err := r.upload(ctx, up)
		report.Uploaded = names
		if err != nil {
			return report, err
		}
	}
	spec := cloudops.JobSpec{
		Name:           doc.Job.JobName,
		Pool:           pool,
		TaskRetries:    doc.Job.TaskRetries,
		TaskIDInts:     doc.Job.TaskIDInts,
		TimeoutMinutes: doc.Job.TimeoutMinutes,
		SkipPoolVerify: true,
	}
	if doc.Job.SaveLogsToBlob != "" {
		spec.LogSink = &cloudops.LogSink{Container: doc.Job.SaveLogsToBlob, Folder: doc.Job.LogsFolder}
	}
	j, err := r.Jobs.CreateJob(ctx, spec)
	if err != nil {
		return report, err
	}
	report.Job = j.Name
	return report, nil
}

func (r *Runner) upload(ctx context.Context, up *UploadSection) ([]string, error) {
	if r.Storage == nil {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "document has an upload section but no storage is configured")
	}
	if err := r.Storage.CreateContainer(ctx, up.ContainerName); err != nil {
		return nil, err
	}
	var uploaded []string
	for _, dir := range up.Folders {
		location := path.Join(up.LocationInBlob, filepath.Base(filepath.Clean(dir)))
		names, err := storage.UploadFolder(ctx, r.Storage, r.abs(dir), up.ContainerName, location, storage.FolderFilter{})
		uploaded = append(uploaded, names...)
		if err != nil {
			return uploaded, err
		}
	}
	for _, file := range up.Files {
		name, err := r.Storage.Upload(ctx, r.abs(file), up.ContainerName, up.LocationInBlob)
		if err != nil {
			return uploaded, err
		}
		uploaded = append(uploaded, name)
	}
	r.Logger.WithFields(logrus.Fields{
		"Container": up.ContainerName,
		"Objects":   len(uploaded),
	}).Info("uploaded inputs")
	return uploaded, nil
}

// finish submits the staged tasks and monitors the job if asked.
func (r *Runner) finish(ctx context.Context, doc *Document, report *Report) (*Report, error) {
	if err := r.Jobs.Submit(ctx, report.Job); err != nil {
		return report, err
	}
	r.Logger.WithFields(logrus.Fields{
		"Job":   report.Job,
		"Tasks": len(report.TaskIDs),
	}).Info("tasks submitted")
	if !doc.Job.MonitorJob {
		return report, nil
	}
	res, err := monitor.MonitorJob(ctx, r.Backend, report.Job, r.Monitor)
	report.Monitor = res
	return report, err
}
