// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
)

func (b *Backend) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	b.mTasksQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudops",
		Subsystem: "local",
		Name:      "tasks_queued",
		Help:      "Number of tasks whose dependencies are satisfied, waiting for the worker.",
	})
	b.mTasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudops",
		Subsystem: "local",
		Name:      "tasks_running",
		Help:      "Number of tasks running (0 or 1).",
	})
	b.mTasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudops",
		Subsystem: "local",
		Name:      "tasks_finished_total",
		Help:      "Number of task attempts finished, by result.",
	}, []string{"result"})
	reg.MustRegister(b.mTasksQueued, b.mTasksRunning, b.mTasksFinished)
	b.updateMetrics()
}

// Caller must have lock.
func (b *Backend) updateMetrics() {
	var queued, running int
	for _, js := range b.jobs {
		for _, t := range js.tracker.Tasks() {
			switch t.State {
			case cloudops.TaskQueued:
				queued++
			case cloudops.TaskRunning:
				running++
			}
		}
	}
	b.mTasksQueued.Set(float64(queued))
	b.mTasksRunning.Set(float64(running))
}
