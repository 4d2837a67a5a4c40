// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskgraph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&graphSuite{})

type graphSuite struct{}

func ids(tasks []cloudops.Task) []cloudops.TaskID {
	var out []cloudops.TaskID
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func deps(ids ...cloudops.TaskID) []cloudops.TaskID { return ids }

// checkTopological verifies every task appears after all of its
// in-batch dependencies.
func checkTopological(c *check.C, order []cloudops.Task) {
	pos := map[cloudops.TaskID]int{}
	for i, t := range order {
		pos[t.ID] = i
	}
	for i, t := range order {
		for _, d := range t.DependsOn {
			if p, ok := pos[d]; ok {
				c.Check(p < i, check.Equals, true, check.Commentf("%s must precede %s", d, t.ID))
			}
		}
	}
}

func (s *graphSuite) TestIncrementalIntegerIDs(c *check.C) {
	g := New(Options{Job: "j1", Policy: cloudops.TaskIDInteger})
	for i := 1; i <= 3; i++ {
		id, err := g.Add(cloudops.TaskSpec{CommandLine: fmt.Sprintf("echo %d", i)})
		c.Assert(err, check.IsNil)
		c.Check(id, check.Equals, cloudops.IntTaskID(i))
	}
	id, err := g.Add(cloudops.TaskSpec{CommandLine: "echo all", DependsOn: deps("1", "3")})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("4"))

	_, err = g.Add(cloudops.TaskSpec{ID: "x"})
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
	_, err = g.Add(cloudops.TaskSpec{ID: "2"})
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
}

func (s *graphSuite) TestStringIDs(c *check.C) {
	g := New(Options{Job: "j1"})
	id, err := g.Add(cloudops.TaskSpec{Name: "prep", CommandLine: "true"})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("prep"))
	id, err = g.Add(cloudops.TaskSpec{CommandLine: "true", DependsOn: deps("prep")})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("j1-1"))
}

func (s *graphSuite) TestForwardReferenceRejected(c *check.C) {
	g := New(Options{Job: "j1"})
	_, err := g.Add(cloudops.TaskSpec{Name: "a", DependsOn: deps("b")})
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true)
	c.Check(g.Len(), check.Equals, 0)
}

func (s *graphSuite) TestSelfDependency(c *check.C) {
	g := New(Options{Job: "j1", Policy: cloudops.TaskIDInteger})
	_, err := g.Add(cloudops.TaskSpec{ID: "1", DependsOn: deps("1")})
	c.Check(errors.Is(err, cloudops.ErrCyclicDependency), check.Equals, true)

	g = New(Options{Job: "j1", Policy: cloudops.TaskIDInteger})
	g.Add(cloudops.TaskSpec{})
	g.Add(cloudops.TaskSpec{})
	_, err = g.Add(cloudops.TaskSpec{DependsOnRange: &cloudops.TaskIDRange{First: 1, Last: 3}})
	c.Check(errors.Is(err, cloudops.ErrCyclicDependency), check.Equals, true, check.Commentf("%v", err))
}

func (s *graphSuite) TestRangeEdgeCount(c *check.C) {
	for _, r := range []cloudops.TaskIDRange{{First: 1, Last: 1}, {First: 2, Last: 5}, {First: 1, Last: 10}} {
		g := New(Options{Job: "j", Policy: cloudops.TaskIDInteger})
		for i := 1; i <= 10; i++ {
			_, err := g.Add(cloudops.TaskSpec{CommandLine: "true"})
			c.Assert(err, check.IsNil)
		}
		r := r
		_, err := g.Add(cloudops.TaskSpec{CommandLine: "gather", DependsOnRange: &r})
		c.Assert(err, check.IsNil)
		order, err := g.ResolveSubmissionOrder()
		c.Assert(err, check.IsNil)
		last := order[len(order)-1]
		c.Check(last.DependsOn, check.HasLen, r.Last-r.First+1)
		c.Check(last.DependsOn[0], check.Equals, cloudops.IntTaskID(r.First))
	}
}

func (s *graphSuite) TestRangeMergedWithExplicit(c *check.C) {
	g := New(Options{Job: "j", Policy: cloudops.TaskIDInteger})
	for i := 1; i <= 3; i++ {
		g.Add(cloudops.TaskSpec{})
	}
	_, err := g.Add(cloudops.TaskSpec{DependsOn: deps("2"), DependsOnRange: &cloudops.TaskIDRange{First: 1, Last: 3}})
	c.Assert(err, check.IsNil)
	order, _ := g.ResolveSubmissionOrder()
	c.Check(order[3].DependsOn, check.DeepEquals, deps("2", "1", "3"))
}

func (s *graphSuite) TestInvalidRange(c *check.C) {
	g := New(Options{Job: "j", Policy: cloudops.TaskIDString})
	g.Add(cloudops.TaskSpec{Name: "a"})
	_, err := g.Add(cloudops.TaskSpec{Name: "b", DependsOnRange: &cloudops.TaskIDRange{First: 1, Last: 1}})
	c.Check(errors.Is(err, cloudops.ErrInvalidRange), check.Equals, true)

	g = New(Options{Job: "j", Policy: cloudops.TaskIDInteger})
	g.Add(cloudops.TaskSpec{})
	g.Add(cloudops.TaskSpec{})
	_, err = g.Add(cloudops.TaskSpec{DependsOnRange: &cloudops.TaskIDRange{First: 2, Last: 1}})
	c.Check(errors.Is(err, cloudops.ErrInvalidRange), check.Equals, true)

	_, err = g.Add(cloudops.TaskSpec{DependsOnRange: &cloudops.TaskIDRange{First: 1, Last: 7}})
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true, check.Commentf("%v", err))
	c.Check(err, check.ErrorMatches, `.*unknown task "4".*`)
}

func (s *graphSuite) TestTiesKeepSubmissionOrder(c *check.C) {
	g, err := FromSpecs(Options{Job: "j"}, []cloudops.TaskSpec{
		{Name: "d", DependsOn: deps("b")},
		{Name: "a"},
		{Name: "b"},
		{Name: "c"},
	})
	c.Assert(err, check.IsNil)
	order, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	c.Check(ids(order), check.DeepEquals, deps("a", "b", "d", "c"))
}

func (s *graphSuite) TestCycles(c *check.C) {
	for n := 2; n <= 6; n++ {
		var specs []cloudops.TaskSpec
		for i := 0; i < n; i++ {
			specs = append(specs, cloudops.TaskSpec{
				Name:      fmt.Sprintf("t%d", i),
				DependsOn: deps(cloudops.TaskID(fmt.Sprintf("t%d", (i+1)%n))),
			})
		}
		// plus an unrelated acyclic task
		specs = append(specs, cloudops.TaskSpec{Name: "free"})
		g, err := FromSpecs(Options{Job: "j"}, specs)
		c.Assert(err, check.IsNil)
		_, err = g.ResolveSubmissionOrder()
		c.Check(errors.Is(err, cloudops.ErrCyclicDependency), check.Equals, true, check.Commentf("cycle length %d", n))
		c.Check(err, check.ErrorMatches, `CyclicDependency: cycle: (t\d -> ){`+fmt.Sprint(n)+`}t\d`)
		// a failed resolution does not seal the graph
		_, err = g.Add(cloudops.TaskSpec{Name: "more"})
		c.Check(err, check.IsNil)
	}
}

func (s *graphSuite) TestCycleSelfByName(c *check.C) {
	_, err := FromSpecs(Options{Job: "j"}, []cloudops.TaskSpec{{Name: "a", DependsOn: deps("a")}})
	c.Check(errors.Is(err, cloudops.ErrCyclicDependency), check.Equals, true)
}

func (s *graphSuite) TestBatchUnknownDependency(c *check.C) {
	_, err := FromSpecs(Options{Job: "j"}, []cloudops.TaskSpec{{Name: "a", DependsOn: deps("zzz")}})
	c.Check(errors.Is(err, cloudops.ErrUnknownDependency), check.Equals, true)
	_, err = FromSpecs(Options{Job: "j"}, []cloudops.TaskSpec{{Name: "a"}, {Name: "a"}})
	c.Check(errors.Is(err, cloudops.ErrInvalidSpec), check.Equals, true)
}

func (s *graphSuite) TestBatchNamesUnderIntegerPolicy(c *check.C) {
	g, err := FromSpecs(Options{Job: "j", Policy: cloudops.TaskIDInteger}, []cloudops.TaskSpec{
		{Name: "report", DependsOn: deps("fit")},
		{Name: "fit"},
	})
	c.Assert(err, check.IsNil)
	order, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	c.Check(ids(order), check.DeepEquals, deps("2", "1"))
	c.Check(order[1].DependsOn, check.DeepEquals, deps("2"))
}

func (s *graphSuite) TestKnownTasks(c *check.C) {
	g := New(Options{Job: "j", Policy: cloudops.TaskIDInteger, Known: deps("1", "2")})
	id, err := g.Add(cloudops.TaskSpec{DependsOn: deps("2")})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("3"))
	order, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	c.Check(ids(order), check.DeepEquals, deps("3"))
}

func (s *graphSuite) TestKnownGeneratedStringIDs(c *check.C) {
	g := New(Options{Job: "j", Known: deps("j-1", "j-2", "setup")})
	id, err := g.Add(cloudops.TaskSpec{DependsOn: deps("j-2", "setup")})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("j-3"))
}

func (s *graphSuite) TestSealed(c *check.C) {
	g := New(Options{Job: "j"})
	g.Add(cloudops.TaskSpec{Name: "a"})
	first, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	_, err = g.Add(cloudops.TaskSpec{Name: "b"})
	c.Check(err, check.Equals, ErrSealed)
	again, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	c.Check(again, check.DeepEquals, first)
}

func (s *graphSuite) TestReopen(c *check.C) {
	g := New(Options{Job: "j", Policy: cloudops.TaskIDInteger})
	g.Add(cloudops.TaskSpec{CommandLine: "a"})
	_, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	g.Reopen()
	id, err := g.Add(cloudops.TaskSpec{CommandLine: "b", DependsOn: deps("1")})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, cloudops.TaskID("2"))
	order, err := g.ResolveSubmissionOrder()
	c.Assert(err, check.IsNil)
	c.Check(order, check.HasLen, 2)
	c.Check(order[1].ID, check.Equals, cloudops.TaskID("2"))
}

func (s *graphSuite) TestRandomDAGs(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rnd.Intn(30)
		var specs []cloudops.TaskSpec
		for i := 0; i < n; i++ {
			spec := cloudops.TaskSpec{Name: fmt.Sprintf("t%d", i)}
			// depend only on higher-numbered tasks, so the
			// graph is acyclic but submission order is not
			// topological
			for j := i + 1; j < n; j++ {
				if rnd.Intn(4) == 0 {
					spec.DependsOn = append(spec.DependsOn, cloudops.TaskID(fmt.Sprintf("t%d", j)))
				}
			}
			specs = append(specs, spec)
		}
		g, err := FromSpecs(Options{Job: "j"}, specs)
		c.Assert(err, check.IsNil)
		order, err := g.ResolveSubmissionOrder()
		c.Assert(err, check.IsNil)
		c.Check(order, check.HasLen, n)
		checkTopological(c, order)
	}
}
