// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"strconv"
	"time"
)

// TaskID identifies a task within its job. Under the integer ID
// policy it is a decimal integer.
type TaskID string

// Int returns the integer value of the ID, if it has one.
func (id TaskID) Int() (int, bool) {
	n, err := strconv.Atoi(string(id))
	return n, err == nil
}

func IntTaskID(n int) TaskID {
	return TaskID(strconv.Itoa(n))
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Failure reasons recorded in ExecutionInfo.
const (
	ReasonExitCode  = "NonZeroExit"
	ReasonTimeout   = "Timeout"
	ReasonCancelled = "Cancelled"
	ReasonStartFail = "StartFailed"
)

// Environment variables set for every task.
const (
	EnvJob    = "CLOUDOPS_JOB"
	EnvTaskID = "CLOUDOPS_TASK_ID"
	EnvPool   = "CLOUDOPS_POOL"
)

// TaskIDRange is an inclusive range of integer task IDs.
type TaskIDRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// TaskSpec is the caller's description of a task to add to a job.
type TaskSpec struct {
	ID                      TaskID       `json:"id,omitempty"`
	Name                    string       `json:"name,omitempty"`
	CommandLine             string       `json:"cmd"`
	DependsOn               []TaskID     `json:"depends_on,omitempty"`
	DependsOnRange          *TaskIDRange `json:"depends_on_range,omitempty"`
	RunDependentTasksOnFail bool         `json:"run_dependent_tasks_on_fail,omitempty"`
	ContainerImage          string       `json:"container_image,omitempty"`
	Timeout                 Duration     `json:"timeout,omitempty"`
}

// ExecutionInfo records what happened when a task ran.
type ExecutionInfo struct {
	CreatedAt     time.Time `json:"created_at"`
	StartTime     time.Time `json:"start_time,omitempty"`
	EndTime       time.Time `json:"end_time,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	RetryCount    int       `json:"retry_count"`
	NodeID        string    `json:"node_id,omitempty"`
	Pool          string    `json:"pool,omitempty"`
}

// Task is a unit of work in a job. DependsOn holds the fully expanded
// dependency list (ranges included).
type Task struct {
	ID                      TaskID        `json:"id"`
	Job                     string        `json:"job"`
	Name                    string        `json:"name,omitempty"`
	CommandLine             string        `json:"cmd"`
	DependsOn               []TaskID      `json:"depends_on,omitempty"`
	RunDependentTasksOnFail bool          `json:"run_dependent_tasks_on_fail,omitempty"`
	ContainerImage          string        `json:"container_image,omitempty"`
	Timeout                 Duration      `json:"timeout,omitempty"`
	State                   TaskState     `json:"state"`
	Blocked                 bool          `json:"blocked,omitempty"`
	Execution               ExecutionInfo `json:"execution"`
}
