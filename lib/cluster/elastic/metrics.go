// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/prometheus/client_golang/prometheus"
)

func (c *Cluster) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.mNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cloudops",
		Subsystem: "cluster",
		Name:      "nodes",
		Help:      "Number of nodes, including booting ones, by pool and priority.",
	}, []string{"pool", "priority"})
	reg.MustRegister(c.mNodes)
	c.mTasksQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudops",
		Subsystem: "cluster",
		Name:      "tasks_queued",
		Help:      "Number of tasks whose dependencies are satisfied, waiting for a node slot.",
	})
	reg.MustRegister(c.mTasksQueued)
	c.mTasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloudops",
		Subsystem: "cluster",
		Name:      "tasks_running",
		Help:      "Number of tasks running on nodes.",
	})
	reg.MustRegister(c.mTasksRunning)
	c.mTasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudops",
		Subsystem: "cluster",
		Name:      "tasks_finished_total",
		Help:      "Number of task attempts finished, by result.",
	}, []string{"result"})
	reg.MustRegister(c.mTasksFinished)
}

// Caller must have lock.
func (c *Cluster) updateMetrics() {
	c.mNodes.Reset()
	for name, np := range c.pools {
		counts := map[string]int{priorityDedicated: 0, priorityLow: 0}
		for _, n := range np.nodes {
			counts[priorityTag(n.low)]++
		}
		for prio, count := range counts {
			c.mNodes.WithLabelValues(name, prio).Set(float64(count))
		}
	}
	var queued, running int
	for _, js := range c.jobs {
		for _, t := range js.tracker.Tasks() {
			switch t.State {
			case cloudops.TaskQueued:
				queued++
			case cloudops.TaskRunning:
				running++
			}
		}
	}
	c.mTasksQueued.Set(float64(queued))
	c.mTasksRunning.Set(float64(running))
}
