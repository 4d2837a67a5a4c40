// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package autoscale computes target node counts for autoscaled
// pools.
package autoscale

import (
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// Metrics are the inputs to a formula evaluation.
type Metrics struct {
	// Tasks queued or running.
	PendingTasks int
	// Minutes since the pool was created.
	ElapsedMinutes float64
	TaskSlotsPerNode int
	CurrentDedicated int
	// Pending task counts observed during the sample window,
	// oldest first, and the number of samples a full window
	// would have.
	Samples         []int
	ExpectedSamples int
}

// Target is the node count a formula asks for.
type Target struct {
	Dedicated   int `json:"dedicated"`
	LowPriority int `json:"low_priority"`
}

func (t Target) Total() int {
	return t.Dedicated + t.LowPriority
}

// A Formula maps metrics to a target. Evaluate must return the same
// target for the same metrics.
type Formula interface {
	Name() string
	Evaluate(Metrics) (Target, error)
}

// Names of the built-in formulas.
const (
	Dev     = "dev"
	Prod    = "prod"
	Default = "default"
)

// Lookup returns the formula named by ref, or compiles ref as a
// formula expression if it does not name a built-in. maxNodes caps
// the default and custom formulas.
func Lookup(ref string, maxNodes int) (Formula, error) {
	switch strings.TrimSpace(ref) {
	case Dev:
		return devFormula{}, nil
	case Prod:
		return prodFormula{}, nil
	case Default, "":
		return remainingTaskFormula{maxNodes: maxNodes}, nil
	default:
		f, err := compileExpr(ref, maxNodes)
		if err != nil {
			return nil, cloudops.WrapError(cloudops.ErrInvalidSpec, err, "autoscale formula")
		}
		return f, nil
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
