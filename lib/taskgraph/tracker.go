// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// Tracker holds the runtime state of a job's tasks and decides which
// of them may run. Both execution backends use it, so a job behaves
// the same way on either.
//
// A pending task is queued once each of its dependencies has
// succeeded, or has failed over an edge where either end sets
// RunDependentTasksOnFail. A failure over any other edge blocks the
// dependent for good; blocked tasks never finish, so their own
// dependents are blocked too.
type Tracker struct {
	mtx   sync.Mutex
	order []cloudops.TaskID
	tasks map[cloudops.TaskID]*cloudops.Task
}

func NewTracker() *Tracker {
	return &Tracker{tasks: map[cloudops.TaskID]*cloudops.Task{}}
}

// Add appends tasks, which must already be in submission order. Each
// dependency must refer to a task added earlier.
func (tr *Tracker) Add(tasks []cloudops.Task, now time.Time) error {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	added := map[cloudops.TaskID]bool{}
	for _, t := range tasks {
		if _, dup := tr.tasks[t.ID]; dup || added[t.ID] {
			return cloudops.Errorf(cloudops.ErrInvalidSpec, "duplicate task ID %q", t.ID)
		}
		for _, dep := range t.DependsOn {
			if _, ok := tr.tasks[dep]; !ok && !added[dep] {
				return cloudops.Errorf(cloudops.ErrUnknownDependency, "task %q depends on unknown task %q", t.ID, dep)
			}
		}
		added[t.ID] = true
	}
	for _, t := range tasks {
		t := t
		t.State = cloudops.TaskPending
		t.Blocked = false
		if t.Execution.CreatedAt.IsZero() {
			t.Execution.CreatedAt = now
		}
		tr.tasks[t.ID] = &t
		tr.order = append(tr.order, t.ID)
	}
	tr.update()
	return nil
}

// Restore loads tasks exactly as recorded (e.g., read back from a
// descriptor file). Tasks found running are put back in the queue.
func (tr *Tracker) Restore(tasks []cloudops.Task) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	for _, t := range tasks {
		t := t
		if t.State == cloudops.TaskRunning {
			t.State = cloudops.TaskQueued
		}
		if _, ok := tr.tasks[t.ID]; !ok {
			tr.order = append(tr.order, t.ID)
		}
		tr.tasks[t.ID] = &t
	}
	tr.update()
}

// update promotes pending tasks whose dependencies are satisfied and
// marks blocked ones. Tasks are in topological order, so one pass
// settles everything.
func (tr *Tracker) update() {
	for _, id := range tr.order {
		t := tr.tasks[id]
		if t.State != cloudops.TaskPending || t.Blocked {
			continue
		}
		ready := true
		for _, depID := range t.DependsOn {
			dep := tr.tasks[depID]
			switch {
			case dep.State == cloudops.TaskSucceeded:
			case dep.State == cloudops.TaskFailed && (dep.RunDependentTasksOnFail || t.RunDependentTasksOnFail):
			case dep.State == cloudops.TaskFailed || dep.Blocked:
				t.Blocked = true
				ready = false
			default:
				ready = false
			}
			if t.Blocked {
				break
			}
		}
		if ready {
			t.State = cloudops.TaskQueued
		}
	}
}

// Next returns the first queued task in submission order.
func (tr *Tracker) Next() (cloudops.Task, bool) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	for _, id := range tr.order {
		if t := tr.tasks[id]; t.State == cloudops.TaskQueued {
			return *t, true
		}
	}
	return cloudops.Task{}, false
}

// Queued returns all queued tasks in submission order.
func (tr *Tracker) Queued() []cloudops.Task {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	var out []cloudops.Task
	for _, id := range tr.order {
		if t := tr.tasks[id]; t.State == cloudops.TaskQueued {
			out = append(out, *t)
		}
	}
	return out
}

// Start moves a queued task to running.
func (tr *Tracker) Start(id cloudops.TaskID, nodeID, pool string, now time.Time) error {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return fmt.Errorf("no such task %q", id)
	}
	if t.State != cloudops.TaskQueued {
		return fmt.Errorf("task %q is %s, not queued", id, t.State)
	}
	t.State = cloudops.TaskRunning
	t.Execution.StartTime = now
	t.Execution.EndTime = time.Time{}
	t.Execution.NodeID = nodeID
	t.Execution.Pool = pool
	return nil
}

// Finish records the outcome of a running task. A zero exit code with
// no failure reason means success. If the task failed and has retries
// left, it goes back in the queue instead and Finish returns true.
func (tr *Tracker) Finish(id cloudops.TaskID, exitCode *int, reason string, retries int, now time.Time) (retried bool) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	t, ok := tr.tasks[id]
	if !ok || t.State != cloudops.TaskRunning {
		return false
	}
	if reason == "" && (exitCode == nil || *exitCode != 0) {
		reason = cloudops.ReasonExitCode
	}
	t.Execution.EndTime = now
	t.Execution.ExitCode = exitCode
	t.Execution.FailureReason = reason
	if reason == "" {
		t.State = cloudops.TaskSucceeded
	} else if reason != cloudops.ReasonCancelled && t.Execution.RetryCount < retries {
		t.Execution.RetryCount++
		t.State = cloudops.TaskQueued
		retried = true
	} else {
		t.State = cloudops.TaskFailed
	}
	tr.update()
	return retried
}

// Cancel fails every task that has not finished, with the given
// reason, and returns the IDs of the ones that were running.
func (tr *Tracker) Cancel(reason string, now time.Time) []cloudops.TaskID {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	var running []cloudops.TaskID
	for _, id := range tr.order {
		t := tr.tasks[id]
		if t.State.Terminal() {
			continue
		}
		if t.State == cloudops.TaskRunning {
			running = append(running, id)
		}
		t.State = cloudops.TaskFailed
		t.Blocked = false
		t.Execution.FailureReason = reason
		t.Execution.EndTime = now
	}
	return running
}

// Get returns a copy of one task.
func (tr *Tracker) Get(id cloudops.TaskID) (cloudops.Task, bool) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return cloudops.Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks in submission order.
func (tr *Tracker) Tasks() []cloudops.Task {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	out := make([]cloudops.Task, len(tr.order))
	for i, id := range tr.order {
		out[i] = *tr.tasks[id]
	}
	return out
}

// IDs returns all task IDs in submission order.
func (tr *Tracker) IDs() []cloudops.TaskID {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return append([]cloudops.TaskID(nil), tr.order...)
}

// Settled reports whether there is at least one task and every task
// has finished or is blocked.
func (tr *Tracker) Settled() bool {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	if len(tr.tasks) == 0 {
		return false
	}
	for _, t := range tr.tasks {
		if !t.State.Terminal() && !t.Blocked {
			return false
		}
	}
	return true
}
