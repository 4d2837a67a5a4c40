// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"sort"
	"time"

	"github.com/cfa/cloudops/lib/autoscale"
	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/lib/cloud/sshexecutor"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// Tags attached to every node this package creates.
const (
	TagPool     = "pool"
	TagPriority = "priority"

	priorityDedicated = "dedicated"
	priorityLow       = "low"
)

// A node that is still listed this long after Destroy is destroyed
// again.
const destroyRetryInterval = time.Minute

type nodePool struct {
	pool      cloudops.Pool
	it        cloudops.InstanceType
	formula   autoscale.Formula
	sampler   *autoscale.Sampler
	target    autoscale.Target
	evaluated time.Time
	nodes     map[cloud.InstanceID]*node
}

type node struct {
	inst      cloud.Instance
	exr       cloud.Executor
	low       bool
	created   time.Time
	busy      int
	idleSince time.Time
}

// ready reports whether commands can be sent to the node.
func (n *node) ready() bool {
	if _, ok := n.inst.(cloud.LocalInstance); ok {
		return true
	}
	return n.inst.Address() != ""
}

func (n *node) closeExecutor() {
	if n.exr != nil {
		n.exr.Close()
		n.exr = nil
	}
}

func (c *Cluster) executor(n *node) cloud.Executor {
	if n.exr != nil {
		return n.exr
	}
	if c.NewExecutor != nil {
		n.exr = c.NewExecutor(n.inst)
	} else if inst, ok := n.inst.(cloud.LocalInstance); ok {
		n.exr = inst.Executor()
	} else if c.SSHKey != nil {
		n.exr = sshexecutor.New(n.inst, c.Config.SSHPort, c.SSHKey)
	} else {
		n.exr = sshexecutor.New(n.inst, c.Config.SSHPort)
	}
	return n.exr
}

func priorityTag(low bool) string {
	if low {
		return priorityLow
	}
	return priorityDedicated
}

// refreshInstances reconciles the node list with the provider's
// instance list: instances of known pools that we aren't tracking
// (e.g., created before a restart) are adopted, tracked nodes that
// have disappeared are dropped, and instances belonging to deleted
// pools are destroyed.
func (c *Cluster) refreshInstances() {
	if err := c.throttleInstances.Error(); err != nil {
		c.Logger.WithError(err).Debug("not listing instances")
		return
	}
	threshold := time.Now()
	insts, err := c.InstanceSet.Instances(c.ctx, nil)
	if err != nil {
		c.throttleInstances.checkError(err, c.Logger, "list instances")
		c.Logger.WithError(err).Warn("error listing instances")
		return
	}
	var orphans []cloud.Instance
	c.mtx.Lock()
	seen := map[cloud.InstanceID]bool{}
	for _, inst := range insts {
		id := inst.ID()
		seen[id] = true
		poolName := inst.Tags()[TagPool]
		if poolName == "" {
			continue
		}
		if t, ok := c.destroyed[id]; ok {
			if threshold.Sub(t) > destroyRetryInterval {
				c.destroyed[id] = threshold
				orphans = append(orphans, inst)
			}
			continue
		}
		np, ok := c.pools[poolName]
		if !ok {
			c.destroyed[id] = threshold
			orphans = append(orphans, inst)
			continue
		}
		if _, ok := np.nodes[id]; !ok {
			c.Logger.WithFields(logrus.Fields{"Pool": poolName, "Instance": id}).Info("adopted existing instance")
			np.nodes[id] = &node{
				inst:      inst,
				low:       inst.Tags()[TagPriority] == priorityLow,
				created:   threshold,
				idleSince: threshold,
			}
		}
	}
	for id := range c.destroyed {
		if !seen[id] {
			delete(c.destroyed, id)
		}
	}
	for _, np := range c.pools {
		for id, n := range np.nodes {
			if !seen[id] && n.created.Before(threshold) {
				c.Logger.WithFields(logrus.Fields{"Pool": np.pool.Name, "Instance": id}).Info("instance disappeared in cloud")
				n.closeExecutor()
				delete(np.nodes, id)
			}
		}
	}
	c.mtx.Unlock()
	c.destroyInstances(orphans)
}

type createRequest struct {
	pool  string
	it    cloudops.InstanceType
	image string
	low   bool
}

type scalePlan struct {
	create  []createRequest
	destroy []cloud.Instance
}

// target returns the node counts a pool should have now, evaluating
// its autoscale formula when the evaluation interval has passed.
// Caller must have lock.
func (c *Cluster) target(np *nodePool, now time.Time) autoscale.Target {
	pool := np.pool
	if pool.ScaleMode != cloudops.ScaleAutoscale {
		return autoscale.Target{Dedicated: pool.DedicatedNodes, LowPriority: pool.LowPriorityNodes}
	}
	pending := 0
	for _, name := range c.jobOrder {
		js := c.jobs[name]
		if js.job.Pool != pool.Name || js.job.State != cloudops.JobActive {
			continue
		}
		for _, t := range js.tracker.Tasks() {
			if t.State == cloudops.TaskQueued || t.State == cloudops.TaskRunning {
				pending++
			}
		}
	}
	np.sampler.Record(now, pending)
	interval := pool.EvaluationInterval.Duration()
	if interval <= 0 {
		interval = defaultEvaluationInterval
	}
	if !np.evaluated.IsZero() && now.Sub(np.evaluated) < interval {
		return np.target
	}
	m := autoscale.Metrics{
		PendingTasks:     pending,
		ElapsedMinutes:   now.Sub(pool.CreatedAt).Minutes(),
		TaskSlotsPerNode: pool.TaskSlotsPerNode,
	}
	for _, n := range np.nodes {
		if !n.low {
			m.CurrentDedicated++
		}
	}
	np.sampler.Fill(&m)
	t, err := np.formula.Evaluate(m)
	if err != nil {
		c.Logger.WithField("Pool", pool.Name).WithError(err).Warn("autoscale formula evaluation failed; keeping previous target")
		return np.target
	}
	if t != np.target || np.evaluated.IsZero() {
		c.Logger.WithFields(logrus.Fields{
			"Pool":        pool.Name,
			"Formula":     np.formula.Name(),
			"Pending":     pending,
			"Dedicated":   t.Dedicated,
			"LowPriority": t.LowPriority,
		}).Info("autoscale target")
	}
	np.target, np.evaluated = t, now
	return t
}

// planScaling decides which nodes to create and destroy. Nodes
// chosen for destruction are removed from their pools right away.
// Caller must have lock.
func (c *Cluster) planScaling(now time.Time) scalePlan {
	var plan scalePlan
	total := 0
	for _, np := range c.pools {
		total += len(np.nodes)
	}
	createErr := c.throttleCreate.Error()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		np := c.pools[name]
		target := c.target(np, now)
		// Give up on nodes that never became ready.
		if tb := c.Config.TimeoutBooting.Duration(); tb > 0 {
			for id, n := range np.nodes {
				if !n.ready() && now.Sub(n.created) > tb {
					c.Logger.WithFields(logrus.Fields{"Pool": name, "Instance": id}).Warn("boot timeout; destroying instance")
					plan.destroy = append(plan.destroy, c.removeNode(np, id, now))
					total--
				}
			}
		}
		for _, low := range []bool{false, true} {
			want := target.Dedicated
			if low {
				want = target.LowPriority
			}
			var have []*node
			for _, n := range np.nodes {
				if n.low == low {
					have = append(have, n)
				}
			}
			for i := len(have); i < want; i++ {
				if createErr != nil {
					break
				}
				if max := c.Config.MaxInstances; max > 0 && total >= max {
					c.Logger.WithFields(logrus.Fields{"Pool": name, "MaxInstances": max}).Debug("at instance limit")
					break
				}
				it := np.it
				if low {
					it.Preemptible = true
				}
				image := np.pool.NodeImage
				if image == "" {
					image = c.Config.ImageID
				}
				plan.create = append(plan.create, createRequest{pool: name, it: it, image: image, low: low})
				total++
			}
			excess := len(have) - want
			if excess <= 0 {
				continue
			}
			// Longest-idle first; busy nodes are never
			// destroyed.
			sort.Slice(have, func(i, j int) bool { return have[i].idleSince.Before(have[j].idleSince) })
			for _, n := range have {
				if excess == 0 {
					break
				}
				if n.busy > 0 || now.Sub(n.idleSince) < c.Config.TimeoutIdle.Duration() {
					continue
				}
				c.Logger.WithFields(logrus.Fields{"Pool": name, "Instance": n.inst.ID()}).Info("shutting down idle instance")
				plan.destroy = append(plan.destroy, c.removeNode(np, n.inst.ID(), now))
				total--
				excess--
			}
		}
	}
	return plan
}

// removeNode drops a node from its pool. Caller must have lock.
func (c *Cluster) removeNode(np *nodePool, id cloud.InstanceID, now time.Time) cloud.Instance {
	n := np.nodes[id]
	n.closeExecutor()
	delete(np.nodes, id)
	c.destroyed[id] = now
	return n.inst
}

func (c *Cluster) applyScaling(plan scalePlan) {
	c.destroyInstances(plan.destroy)
	for _, req := range plan.create {
		if err := c.throttleCreate.Error(); err != nil {
			c.Logger.WithError(err).Debug("not creating instances")
			return
		}
		logger := c.Logger.WithFields(logrus.Fields{
			"Pool":         req.pool,
			"InstanceType": req.it.Name,
			"Priority":     priorityTag(req.low),
		})
		inst, err := c.InstanceSet.Create(c.ctx, req.it, req.image, cloud.Tags{
			TagPool:     req.pool,
			TagPriority: priorityTag(req.low),
		})
		if err != nil {
			c.throttleCreate.checkError(err, logger, "create instance")
			logger.WithError(err).Warn("error creating instance")
			continue
		}
		logger.WithField("Instance", inst.ID()).Info("created instance")
		now := time.Now()
		c.mtx.Lock()
		np, ok := c.pools[req.pool]
		if ok {
			np.nodes[inst.ID()] = &node{inst: inst, low: req.low, created: now, idleSince: now}
		} else {
			c.destroyed[inst.ID()] = now
		}
		c.mtx.Unlock()
		if !ok {
			// pool was deleted while we were creating
			c.destroyInstances([]cloud.Instance{inst})
		}
	}
}

func (c *Cluster) destroyInstances(insts []cloud.Instance) {
	for _, inst := range insts {
		if err := inst.Destroy(c.ctx); err != nil {
			c.Logger.WithField("Instance", inst.ID()).WithError(err).Warn("error destroying instance")
		}
	}
}
