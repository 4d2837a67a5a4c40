// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// schedule starts queued tasks on free node slots, jobs in creation
// order and tasks in submission order. Caller must have lock.
func (c *Cluster) schedule(now time.Time) {
	for _, name := range c.jobOrder {
		js := c.jobs[name]
		if js.job.State != cloudops.JobActive {
			continue
		}
		np, ok := c.pools[js.job.Pool]
		if !ok {
			continue
		}
		for _, task := range js.tracker.Queued() {
			n := c.freeNode(np)
			if n == nil {
				break
			}
			if err := js.tracker.Start(task.ID, string(n.inst.ID()), np.pool.Name, now); err != nil {
				c.Logger.WithError(err).Error("BUG: cannot start queued task")
				continue
			}
			exr := c.executor(n)
			n.busy++
			ctx, cancel := context.WithCancel(c.ctx)
			js.running[task.ID] = cancel
			c.tasks.Add(1)
			go func(job cloudops.Job, pool cloudops.Pool, n *node, task cloudops.Task) {
				defer c.tasks.Done()
				defer cancel()
				c.runTask(ctx, job, pool, n, exr, task)
			}(js.job, np.pool, n, task)
		}
	}
}

// freeNode returns the ready node with the fewest free slots, so
// tasks are packed onto as few nodes as possible. Caller must have
// lock.
func (c *Cluster) freeNode(np *nodePool) *node {
	slots := np.pool.TaskSlotsPerNode
	if slots < 1 {
		slots = 1
	}
	var nodes []*node
	for _, n := range np.nodes {
		if n.busy < slots && n.ready() {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].busy != nodes[j].busy {
			return nodes[i].busy > nodes[j].busy
		}
		return nodes[i].inst.ID() < nodes[j].inst.ID()
	})
	return nodes[0]
}

func (c *Cluster) runTask(ctx context.Context, job cloudops.Job, pool cloudops.Pool, n *node, exr cloud.Executor, task cloudops.Task) {
	logger := c.Logger.WithFields(logrus.Fields{
		"Job":      job.Name,
		"Task":     task.ID,
		"Instance": n.inst.ID(),
	})
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout.Duration())
		defer cancel()
	}
	env := map[string]string{
		cloudops.EnvJob:    job.Name,
		cloudops.EnvTaskID: string(task.ID),
		cloudops.EnvPool:   pool.Name,
	}
	var stdout, stderr bytes.Buffer
	logger.Info("starting task")
	code, err := exr.Execute(ctx, env, c.taskCommand(pool, task), nil, &stdout, &stderr)

	var exitCode *int
	var reason string
	switch {
	case err == nil:
		exitCode = &code
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = cloudops.ReasonTimeout
	case ctx.Err() != nil:
		reason = cloudops.ReasonCancelled
	default:
		reason = cloudops.ReasonStartFail
		logger.WithError(err).Warn("error running task")
	}
	logger.WithFields(logrus.Fields{"ExitCode": code, "Reason": reason}).Info("task finished")
	c.uploadLogs(logger, job, task.ID, stdout.Bytes(), stderr.Bytes())

	now := time.Now().UTC()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n.busy--
	if n.busy == 0 {
		n.idleSince = now
	}
	if c.ctx.Err() != nil {
		// Shutting down. The task stays "running" in the
		// records and is queued again by the next Load.
		return
	}
	js, ok := c.jobs[job.Name]
	if !ok || js.job.CreatedAt != job.CreatedAt {
		return
	}
	delete(js.running, task.ID)
	if js.tracker.Finish(task.ID, exitCode, reason, js.job.TaskRetries, now) {
		logger.Info("task will be retried")
		c.mTasksFinished.WithLabelValues("retried").Inc()
	} else if t, _ := js.tracker.Get(task.ID); t.State == cloudops.TaskSucceeded {
		c.mTasksFinished.WithLabelValues("succeeded").Inc()
	} else {
		c.mTasksFinished.WithLabelValues("failed").Inc()
	}
	c.saveLogged(func(ctx context.Context, rec Records) error { return rec.PutTasks(ctx, job.Name, js.tracker.Tasks()) })
	c.poke()
}

// taskCommand returns the shell command that runs a task on a node:
// the task's own command line, or, if a docker command is
// configured, a "docker run" of the task's image with the pool's
// mounts bound in.
func (c *Cluster) taskCommand(pool cloudops.Pool, task cloudops.Task) string {
	image := task.ContainerImage
	if image == "" {
		image = pool.ContainerImage
	}
	if c.Config.DockerCommand == "" || image == "" {
		return task.CommandLine
	}
	args := []string{c.Config.DockerCommand, "run", "--rm", "--env", cloudops.EnvJob, "--env", cloudops.EnvTaskID, "--env", cloudops.EnvPool}
	for _, m := range pool.Mounts {
		args = append(args, "--mount", shellQuote(fmt.Sprintf("type=bind,source=%s,target=/%s", path.Join(c.Config.MountsDir, m.Target), m.Target)))
	}
	args = append(args, shellQuote(image), "sh", "-c", shellQuote(task.CommandLine))
	return strings.Join(args, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// uploadLogs saves a task's output in the job's log sink, if it has
// one.
func (c *Cluster) uploadLogs(logger logrus.FieldLogger, job cloudops.Job, id cloudops.TaskID, stdout, stderr []byte) {
	if c.Logs == nil || job.LogSink == nil {
		return
	}
	if err := storage.SaveTaskOutput(c.ctx, c.Logs, *job.LogSink, id, stdout, stderr); err != nil {
		logger.WithError(err).WithField("Container", job.LogSink.Container).Warn("error uploading task logs")
	}
}
