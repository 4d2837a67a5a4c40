// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskgraph validates task dependencies, orders tasks for
// submission, and tracks which tasks may run.
package taskgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// ErrSealed is returned by Add after the submission order has been
// resolved.
var ErrSealed = errors.New("task graph already resolved")

// Options describe the job a graph belongs to.
type Options struct {
	Job    string
	Policy cloudops.TaskIDPolicy
	// Tasks submitted in earlier batches. New tasks may depend on
	// them; they are not part of the resolved order.
	Known []cloudops.TaskID
}

// Graph is one submission batch of tasks for a job.
type Graph struct {
	opts    Options
	known   map[cloudops.TaskID]bool
	nextInt int
	nodes   []cloudops.Task
	index   map[cloudops.TaskID]int
	sealed  bool
	order   []cloudops.Task
}

// New returns an empty graph.
func New(opts Options) *Graph {
	if opts.Policy == "" {
		opts.Policy = cloudops.TaskIDString
	}
	g := &Graph{
		opts:    opts,
		known:   map[cloudops.TaskID]bool{},
		nextInt: 1,
		index:   map[cloudops.TaskID]int{},
	}
	for _, id := range opts.Known {
		g.known[id] = true
		if n, ok := g.sequence(id); ok && n >= g.nextInt {
			g.nextInt = n + 1
		}
	}
	return g
}

// sequence returns the counter value an ID was generated from: the
// ID itself under the integer policy, the "<job>-<n>" suffix
// otherwise.
func (g *Graph) sequence(id cloudops.TaskID) (int, bool) {
	if g.opts.Policy == cloudops.TaskIDInteger {
		return id.Int()
	}
	suffix, ok := strings.CutPrefix(string(id), g.opts.Job+"-")
	if !ok {
		return 0, false
	}
	return cloudops.TaskID(suffix).Int()
}

// Add validates spec against the tasks already in the graph and
// adds it. Every dependency must already be present: a task cannot
// depend on a task added after it.
func (g *Graph) Add(spec cloudops.TaskSpec) (cloudops.TaskID, error) {
	if g.sealed {
		return "", ErrSealed
	}
	id, err := g.assignID(spec)
	if err != nil {
		return "", err
	}
	deps, err := g.expandDeps(id, spec, g.exists)
	if err != nil {
		return "", err
	}
	g.commitID(spec, id)
	g.insert(id, spec, deps)
	return id, nil
}

// FromSpecs builds a graph from a whole batch at once. Dependencies
// may refer to any task in the batch, by ID or by name, in any order.
// Cycles are reported by ResolveSubmissionOrder.
func FromSpecs(opts Options, specs []cloudops.TaskSpec) (*Graph, error) {
	g := New(opts)
	ids := make([]cloudops.TaskID, len(specs))
	batch := map[cloudops.TaskID]bool{}
	names := map[string]cloudops.TaskID{}
	for i, spec := range specs {
		id, err := g.assignID(spec)
		if err != nil {
			return nil, err
		}
		if batch[id] {
			return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "duplicate task ID %q", id)
		}
		g.commitID(spec, id)
		batch[id] = true
		if spec.Name != "" {
			names[spec.Name] = id
		}
		ids[i] = id
	}
	lookup := func(ref cloudops.TaskID) (cloudops.TaskID, bool) {
		if batch[ref] || g.known[ref] {
			return ref, true
		}
		id, ok := names[string(ref)]
		return id, ok
	}
	for i, spec := range specs {
		var resolved []cloudops.TaskID
		for _, ref := range spec.DependsOn {
			id, ok := lookup(ref)
			if !ok {
				return nil, cloudops.Errorf(cloudops.ErrUnknownDependency, "task %q depends on unknown task %q", ids[i], ref)
			}
			resolved = append(resolved, id)
		}
		spec.DependsOn = resolved
		deps, err := g.expandDeps(ids[i], spec, func(id cloudops.TaskID) bool {
			_, ok := lookup(id)
			return ok
		})
		if err != nil {
			return nil, err
		}
		g.insert(ids[i], spec, deps)
	}
	return g, nil
}

func (g *Graph) exists(id cloudops.TaskID) bool {
	_, ok := g.index[id]
	return ok || g.known[id]
}

func (g *Graph) assignID(spec cloudops.TaskSpec) (cloudops.TaskID, error) {
	id := spec.ID
	if g.opts.Policy == cloudops.TaskIDInteger {
		if id == "" {
			id = cloudops.IntTaskID(g.nextInt)
		} else if _, ok := id.Int(); !ok {
			return "", cloudops.Errorf(cloudops.ErrInvalidSpec, "task ID %q is not an integer", id)
		}
	} else if id == "" {
		if spec.Name != "" {
			id = cloudops.TaskID(spec.Name)
		} else {
			id = cloudops.TaskID(fmt.Sprintf("%s-%d", g.opts.Job, g.nextInt))
		}
	}
	if g.exists(id) {
		return "", cloudops.Errorf(cloudops.ErrInvalidSpec, "duplicate task ID %q", id)
	}
	return id, nil
}

// commitID advances the ID counter past an ID returned by assignID.
func (g *Graph) commitID(spec cloudops.TaskSpec, id cloudops.TaskID) {
	if n, ok := id.Int(); ok && g.opts.Policy == cloudops.TaskIDInteger {
		if n >= g.nextInt {
			g.nextInt = n + 1
		}
	} else if spec.ID == "" && spec.Name == "" {
		g.nextInt++
	}
}

// expandDeps returns the explicit dependencies of spec followed by
// its range dependencies, without duplicates.
func (g *Graph) expandDeps(id cloudops.TaskID, spec cloudops.TaskSpec, exists func(cloudops.TaskID) bool) ([]cloudops.TaskID, error) {
	var deps []cloudops.TaskID
	seen := map[cloudops.TaskID]bool{}
	add := func(dep cloudops.TaskID) error {
		if dep == id {
			return cloudops.Errorf(cloudops.ErrCyclicDependency, "task %q depends on itself", id)
		}
		if !exists(dep) {
			return cloudops.Errorf(cloudops.ErrUnknownDependency, "task %q depends on unknown task %q", id, dep)
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
		return nil
	}
	for _, dep := range spec.DependsOn {
		if err := add(dep); err != nil {
			return nil, err
		}
	}
	if r := spec.DependsOnRange; r != nil {
		if g.opts.Policy != cloudops.TaskIDInteger {
			return nil, cloudops.Errorf(cloudops.ErrInvalidRange, "task %q: dependency ranges need integer task IDs", id)
		}
		if r.First > r.Last {
			return nil, cloudops.Errorf(cloudops.ErrInvalidRange, "task %q: range start %d is after end %d", id, r.First, r.Last)
		}
		// Report a missing task in the range before the task's own
		// ID, so a range reaching past the end is UnknownDependency.
		for n := r.First; n <= r.Last; n++ {
			if dep := cloudops.IntTaskID(n); dep != id && !exists(dep) {
				return nil, cloudops.Errorf(cloudops.ErrUnknownDependency, "task %q depends on unknown task %q", id, dep)
			}
		}
		for n := r.First; n <= r.Last; n++ {
			if err := add(cloudops.IntTaskID(n)); err != nil {
				return nil, err
			}
		}
	}
	return deps, nil
}

func (g *Graph) insert(id cloudops.TaskID, spec cloudops.TaskSpec, deps []cloudops.TaskID) {
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, cloudops.Task{
		ID:                      id,
		Job:                     g.opts.Job,
		Name:                    spec.Name,
		CommandLine:             spec.CommandLine,
		DependsOn:               deps,
		RunDependentTasksOnFail: spec.RunDependentTasksOnFail,
		ContainerImage:          spec.ContainerImage,
		Timeout:                 spec.Timeout,
		State:                   cloudops.TaskPending,
	})
}

// Len returns the number of tasks in the batch.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// IDs returns the task IDs of the batch in the order they were added.
func (g *Graph) IDs() []cloudops.TaskID {
	ids := make([]cloudops.TaskID, len(g.nodes))
	for i, t := range g.nodes {
		ids[i] = t.ID
	}
	return ids
}
