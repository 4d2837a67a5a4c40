// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskgraph

import (
	"container/heap"
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// ResolveSubmissionOrder returns the batch in an order where every
// task follows the tasks it depends on. Tasks that could go in
// either order keep the order they were added in. After the first
// call the graph is sealed and later calls return the same order.
func (g *Graph) ResolveSubmissionOrder() ([]cloudops.Task, error) {
	if g.sealed {
		return append([]cloudops.Task(nil), g.order...), nil
	}
	outgoing, indeg := g.edges()
	order := topoOrder(outgoing, indeg)
	if len(order) < len(g.nodes) {
		path := g.findCycle(outgoing)
		return nil, cloudops.Errorf(cloudops.ErrCyclicDependency, "cycle: %s", strings.Join(path, " -> "))
	}
	g.sealed = true
	g.order = make([]cloudops.Task, len(order))
	for i, idx := range order {
		g.order[i] = g.nodes[idx]
	}
	return append([]cloudops.Task(nil), g.order...), nil
}

// Reopen unseals the graph so more tasks can be added to it. The
// next ResolveSubmissionOrder orders the whole batch again.
func (g *Graph) Reopen() {
	g.sealed = false
	g.order = nil
}

// edges returns, for each node index, the indices of the nodes that
// depend on it, and the number of in-batch dependencies of each
// node. Dependencies on known (already submitted) tasks are not
// edges.
func (g *Graph) edges() ([][]int, []int) {
	outgoing := make([][]int, len(g.nodes))
	indeg := make([]int, len(g.nodes))
	for i, t := range g.nodes {
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				continue
			}
			outgoing[j] = append(outgoing[j], i)
			indeg[i]++
		}
	}
	return outgoing, indeg
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with the ready set kept in a min-heap
// of insertion indices, so the result is the lexicographically
// smallest valid order.
func topoOrder(outgoing [][]int, indeg []int) []int {
	indeg = append([]int(nil), indeg...)
	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as a list of task IDs, first and last
// element equal, in dependency direction.
func (g *Graph) findCycle(outgoing [][]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}
	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes the cycle v -> ... -> u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	path := make([]string, len(cycle))
	for i, idx := range cycle {
		path[len(cycle)-1-i] = string(g.nodes[idx].ID)
	}
	return path
}
