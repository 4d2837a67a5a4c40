// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"time"
)

// JobStatusSnapshot is a point-in-time view of a job and its tasks.
type JobStatusSnapshot struct {
	Job           string    `json:"job"`
	State         JobState  `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Total         int       `json:"total"`
	Pending       int       `json:"pending"`
	Queued        int       `json:"queued"`
	Running       int       `json:"running"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Blocked       int       `json:"blocked"`
	Tasks         []Task    `json:"tasks,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
	// Stale is set when the backend could not be reached and the
	// snapshot is the last one observed.
	Stale bool `json:"stale,omitempty"`
}

// NewSnapshot tallies tasks into a snapshot of job.
func NewSnapshot(job Job, tasks []Task, now time.Time) *JobStatusSnapshot {
	snap := &JobStatusSnapshot{
		Job:           job.Name,
		State:         job.State,
		FailureReason: job.FailureReason,
		Total:         len(tasks),
		Tasks:         tasks,
		ObservedAt:    now,
	}
	for _, t := range tasks {
		switch {
		case t.State == TaskSucceeded:
			snap.Succeeded++
		case t.State == TaskFailed:
			snap.Failed++
		case t.State == TaskRunning:
			snap.Running++
		case t.State == TaskQueued:
			snap.Queued++
		case t.Blocked:
			snap.Blocked++
		default:
			snap.Pending++
		}
	}
	return snap
}

// Settled reports whether no task in the job can make further
// progress: every task has either finished or is blocked behind a
// failure.
func (s *JobStatusSnapshot) Settled() bool {
	return s.Total > 0 && s.Succeeded+s.Failed+s.Blocked == s.Total
}

// ImageRef describes an image that can be used by a pool: a
// container image known to a runtime or registry, or a compute node
// image known to a cloud provider.
type ImageRef struct {
	Name   string   `json:"name"`
	Tags   []string `json:"tags,omitempty"`
	Digest string   `json:"digest,omitempty"`
	Origin string   `json:"origin"`
}

const (
	ImageOriginDocker   = "docker"
	ImageOriginRegistry = "registry"
	ImageOriginNode     = "node"
)
