// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscale

const (
	devMaxNodes  = 10
	prodMaxNodes = 25

	// Below this share of a full sample window, only the most
	// recent sample is trusted.
	minSamplePercent = 70
)

// devFormula keeps a small mixed pool: at most 10 nodes, split
// evenly, with any odd node going to the cheaper low-priority side.
type devFormula struct{}

func (devFormula) Name() string { return Dev }

func (devFormula) Evaluate(m Metrics) (Target, error) {
	total := clamp(m.PendingTasks, 0, devMaxNodes)
	low := (total + 1) / 2
	return Target{Dedicated: total - low, LowPriority: low}, nil
}

// prodFormula uses dedicated nodes only, one per TaskSlotsPerNode
// pending tasks, at most 25, and releases everything when idle.
type prodFormula struct{}

func (prodFormula) Name() string { return Prod }

func (prodFormula) Evaluate(m Metrics) (Target, error) {
	perNode := m.TaskSlotsPerNode
	if perNode < 1 {
		perNode = 1
	}
	pending := max(m.PendingTasks, 0)
	nodes := (pending + perNode - 1) / perNode
	return Target{Dedicated: clamp(nodes, 0, prodMaxNodes)}, nil
}

// remainingTaskFormula sizes the pool to the sampled pending task
// count, halving the pool while nothing is pending.
type remainingTaskFormula struct {
	maxNodes int
}

func (remainingTaskFormula) Name() string { return Default }

func (f remainingTaskFormula) Evaluate(m Metrics) (Target, error) {
	tasks := sampledTasks(m)
	target := tasks
	if tasks <= 0 {
		target = m.CurrentDedicated / 2
	}
	ceiling := f.maxNodes
	if ceiling <= 0 {
		ceiling = devMaxNodes
	}
	return Target{Dedicated: clamp(target, 0, ceiling)}, nil
}

func sampledTasks(m Metrics) int {
	if len(m.Samples) == 0 {
		return max(m.PendingTasks, 0)
	}
	last := m.Samples[len(m.Samples)-1]
	if m.ExpectedSamples <= 0 || len(m.Samples)*100 < m.ExpectedSamples*minSamplePercent {
		return max(last, 0)
	}
	sum := 0
	for _, n := range m.Samples {
		sum += n
	}
	avg := (sum + len(m.Samples) - 1) / len(m.Samples)
	return max(last, avg)
}
