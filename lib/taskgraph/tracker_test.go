// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskgraph

import (
	"errors"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&trackerSuite{})

type trackerSuite struct {
	now time.Time
}

func (s *trackerSuite) SetUpTest(c *check.C) {
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func exit(n int) *int { return &n }

func (s *trackerSuite) state(tr *Tracker, id cloudops.TaskID) (cloudops.TaskState, bool) {
	t, _ := tr.Get(id)
	return t.State, t.Blocked
}

// run starts and finishes a queued task with the given exit code.
func (s *trackerSuite) run(c *check.C, tr *Tracker, id cloudops.TaskID, code int, retries int) bool {
	c.Assert(tr.Start(id, "node-1", "pool-1", s.now), check.IsNil)
	return tr.Finish(id, exit(code), "", retries, s.now.Add(time.Second))
}

func (s *trackerSuite) TestFailureScenario(c *check.C) {
	tr := NewTracker()
	err := tr.Add([]cloudops.Task{
		{ID: "A", CommandLine: "false"},
		{ID: "B", DependsOn: deps("A")},
		{ID: "C", DependsOn: deps("A"), RunDependentTasksOnFail: true},
	}, s.now)
	c.Assert(err, check.IsNil)
	c.Check(ids(tr.Queued()), check.DeepEquals, deps("A"))

	s.run(c, tr, "A", 1, 0)
	st, _ := s.state(tr, "A")
	c.Check(st, check.Equals, cloudops.TaskFailed)
	st, blocked := s.state(tr, "B")
	c.Check(st, check.Equals, cloudops.TaskPending)
	c.Check(blocked, check.Equals, true)
	st, _ = s.state(tr, "C")
	c.Check(st, check.Equals, cloudops.TaskQueued)

	s.run(c, tr, "C", 0, 0)
	c.Check(tr.Settled(), check.Equals, true)
	_, ok := tr.Next()
	c.Check(ok, check.Equals, false)
}

func (s *trackerSuite) TestPredecessorFlag(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{
		{ID: "A", RunDependentTasksOnFail: true},
		{ID: "B", DependsOn: deps("A")},
	}, s.now)
	s.run(c, tr, "A", 2, 0)
	st, blocked := s.state(tr, "B")
	c.Check(st, check.Equals, cloudops.TaskQueued)
	c.Check(blocked, check.Equals, false)
}

func (s *trackerSuite) TestBlockingIsTransitive(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{
		{ID: "A"},
		{ID: "B", DependsOn: deps("A")},
		// C would run after a failed B, but B never runs
		{ID: "C", DependsOn: deps("B"), RunDependentTasksOnFail: true},
		{ID: "D"},
	}, s.now)
	s.run(c, tr, "A", 1, 0)
	for _, id := range deps("B", "C") {
		st, blocked := s.state(tr, id)
		c.Check(st, check.Equals, cloudops.TaskPending, check.Commentf("%s", id))
		c.Check(blocked, check.Equals, true, check.Commentf("%s", id))
	}
	c.Check(tr.Settled(), check.Equals, false)
	next, ok := tr.Next()
	c.Assert(ok, check.Equals, true)
	c.Check(next.ID, check.Equals, cloudops.TaskID("D"))
	s.run(c, tr, "D", 0, 0)
	c.Check(tr.Settled(), check.Equals, true)
}

func (s *trackerSuite) TestRetries(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{{ID: "1"}, {ID: "2", DependsOn: deps("1")}}, s.now)
	c.Check(s.run(c, tr, "1", 3, 2), check.Equals, true)
	c.Check(s.run(c, tr, "1", 3, 2), check.Equals, true)
	t, _ := tr.Get("1")
	c.Check(t.State, check.Equals, cloudops.TaskQueued)
	c.Check(t.Execution.RetryCount, check.Equals, 2)
	c.Check(s.run(c, tr, "1", 0, 2), check.Equals, false)
	t, _ = tr.Get("1")
	c.Check(t.State, check.Equals, cloudops.TaskSucceeded)
	c.Check(*t.Execution.ExitCode, check.Equals, 0)
	c.Check(t.Execution.NodeID, check.Equals, "node-1")
	st, _ := s.state(tr, "2")
	c.Check(st, check.Equals, cloudops.TaskQueued)
}

func (s *trackerSuite) TestRetriesExhausted(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{{ID: "1"}}, s.now)
	c.Check(s.run(c, tr, "1", 1, 1), check.Equals, true)
	c.Check(s.run(c, tr, "1", 1, 1), check.Equals, false)
	t, _ := tr.Get("1")
	c.Check(t.State, check.Equals, cloudops.TaskFailed)
	c.Check(t.Execution.FailureReason, check.Equals, cloudops.ReasonExitCode)
}

func (s *trackerSuite) TestTimeoutReason(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{{ID: "1"}}, s.now)
	c.Assert(tr.Start("1", "n", "p", s.now), check.IsNil)
	tr.Finish("1", nil, cloudops.ReasonTimeout, 0, s.now)
	t, _ := tr.Get("1")
	c.Check(t.State, check.Equals, cloudops.TaskFailed)
	c.Check(t.Execution.FailureReason, check.Equals, cloudops.ReasonTimeout)
	c.Check(t.Execution.ExitCode, check.IsNil)
}

func (s *trackerSuite) TestCancel(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{{ID: "1"}, {ID: "2"}, {ID: "3", DependsOn: deps("1")}, {ID: "4"}}, s.now)
	s.run(c, tr, "4", 0, 0)
	c.Assert(tr.Start("1", "n", "p", s.now), check.IsNil)
	running := tr.Cancel(cloudops.ReasonTimeout, s.now)
	c.Check(running, check.DeepEquals, deps("1"))
	for _, t := range tr.Tasks() {
		if t.ID == "4" {
			c.Check(t.State, check.Equals, cloudops.TaskSucceeded)
			continue
		}
		c.Check(t.State, check.Equals, cloudops.TaskFailed)
		c.Check(t.Execution.FailureReason, check.Equals, cloudops.ReasonTimeout)
	}
	// a task that was running when cancelled cannot finish later
	tr.Finish("1", exit(0), "", 0, s.now)
	st, _ := s.state(tr, "1")
	c.Check(st, check.Equals, cloudops.TaskFailed)
}

func (s *trackerSuite) TestAddValidation(c *check.C) {
	tr := NewTracker()
	err := tr.Add([]cloudops.Task{{ID: "1", DependsOn: deps("0")}}, s.now)
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true)
	c.Check(tr.Tasks(), check.HasLen, 0)
	c.Assert(tr.Add([]cloudops.Task{{ID: "1"}}, s.now), check.IsNil)
	err = tr.Add([]cloudops.Task{{ID: "1"}}, s.now)
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
	// later batches may depend on earlier ones
	c.Check(tr.Add([]cloudops.Task{{ID: "2", DependsOn: deps("1")}}, s.now), check.IsNil)
	c.Check(tr.IDs(), check.DeepEquals, deps("1", "2"))
}

func (s *trackerSuite) TestStartErrors(c *check.C) {
	tr := NewTracker()
	tr.Add([]cloudops.Task{{ID: "1"}, {ID: "2", DependsOn: deps("1")}}, s.now)
	c.Check(tr.Start("2", "n", "p", s.now), check.ErrorMatches, `task "2" is pending, not queued`)
	c.Check(tr.Start("9", "n", "p", s.now), check.ErrorMatches, `no such task "9"`)
}

func (s *trackerSuite) TestRestore(c *check.C) {
	tr := NewTracker()
	tr.Restore([]cloudops.Task{
		{ID: "1", State: cloudops.TaskSucceeded},
		{ID: "2", State: cloudops.TaskRunning, DependsOn: deps("1")},
		{ID: "3", State: cloudops.TaskPending, DependsOn: deps("2")},
	})
	c.Check(ids(tr.Queued()), check.DeepEquals, deps("2"))
	st, _ := s.state(tr, "3")
	c.Check(st, check.Equals, cloudops.TaskPending)
}

func (s *trackerSuite) TestEmptyNotSettled(c *check.C) {
	c.Check(NewTracker().Settled(), check.Equals, false)
}
