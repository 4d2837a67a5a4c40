// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"strings"
	"time"
)

type JobState string

const (
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobDisabled  JobState = "disabled"
)

type TaskIDPolicy string

const (
	TaskIDString  TaskIDPolicy = "string"
	TaskIDInteger TaskIDPolicy = "integer"
)

// DefaultLogFolder is used when a log sink has no folder.
const DefaultLogFolder = "stdout_stderr"

// LogSink names the storage container and folder where task output
// is saved.
type LogSink struct {
	Container string `json:"container"`
	Folder    string `json:"folder"`
}

// Normalize trims slashes from the folder and applies the default.
func (ls LogSink) Normalize() LogSink {
	ls.Folder = strings.Trim(ls.Folder, "/")
	if ls.Folder == "" {
		ls.Folder = DefaultLogFolder
	}
	return ls
}

// TaskPrefix returns the storage location of a task's output files.
func (ls LogSink) TaskPrefix(id TaskID) string {
	return ls.Folder + "/" + string(id)
}

// Job is a named collection of tasks bound to a pool.
type Job struct {
	Name                      string       `json:"name"`
	Pool                      string       `json:"pool"`
	UsesTaskDependencies      bool         `json:"uses_task_dependencies"`
	LogSink                   *LogSink     `json:"log_sink,omitempty"`
	TaskRetries               int          `json:"task_retries"`
	MarkCompleteAfterTasksRun bool         `json:"mark_complete_after_tasks_run"`
	TaskIDPolicy              TaskIDPolicy `json:"task_id_policy"`
	Timeout                   Duration     `json:"timeout,omitempty"`
	State                     JobState     `json:"state"`
	FailureReason             string       `json:"failure_reason,omitempty"`
	CreatedAt                 time.Time    `json:"created_at"`
}

// Deadline returns the time after which the job's remaining tasks
// are cancelled, or the zero time if the job has no timeout.
func (j Job) Deadline() time.Time {
	if j.Timeout <= 0 {
		return time.Time{}
	}
	return j.CreatedAt.Add(j.Timeout.Duration())
}

// JobSpec is the caller's description of a job to create.
type JobSpec struct {
	Name                      string   `json:"name"`
	Pool                      string   `json:"pool"`
	LogSink                   *LogSink `json:"log_sink,omitempty"`
	TaskRetries               int      `json:"task_retries"`
	MarkCompleteAfterTasksRun bool     `json:"mark_complete_after_tasks_run"`
	TaskIDInts                bool     `json:"task_id_ints"`
	TimeoutMinutes            int      `json:"timeout_minutes"`
	ExistOK                   bool     `json:"exist_ok"`
	SkipPoolVerify            bool     `json:"skip_pool_verify"`
}

// NormalizeJobName removes spaces from a job name.
func NormalizeJobName(name string) string {
	return strings.ReplaceAll(name, " ", "")
}
