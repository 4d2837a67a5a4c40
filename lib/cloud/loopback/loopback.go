// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud driver whose instances are the local
// host. Commands run as child processes of the caller.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type config struct {
	// Maximum number of instances at once. Zero means no limit.
	MaxInstances int
}

type instanceSet struct {
	config    config
	tags      cloud.Tags
	logger    logrus.FieldLogger
	instances map[cloud.InstanceID]*instance
	mtx       sync.Mutex
}

func newInstanceSet(raw json.RawMessage, tags cloud.Tags, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		tags:      tags,
		logger:    logger,
		instances: map[cloud.InstanceID]*instance{},
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &is.config); err != nil {
			return nil, fmt.Errorf("loopback driver parameters: %w", err)
		}
	}
	return is, nil
}

func (is *instanceSet) Create(ctx context.Context, it cloudops.InstanceType, image string, tags cloud.Tags) (cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if max := is.config.MaxInstances; max > 0 && len(is.instances) >= max {
		return nil, quotaError(fmt.Sprintf("loopback driver is limited to %d instances", max))
	}
	suffix, err := randutil.String(12, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return nil, err
	}
	alltags := cloud.Tags{}
	for k, v := range is.tags {
		alltags[k] = v
	}
	for k, v := range tags {
		alltags[k] = v
	}
	inst := &instance{
		is:           is,
		id:           cloud.InstanceID("loopback-" + suffix),
		instanceType: it,
		image:        image,
		tags:         alltags,
	}
	is.instances[inst.id] = inst
	is.logger.WithFields(logrus.Fields{
		"Instance":     inst.id,
		"InstanceType": it.Name,
	}).Debug("created loopback instance")
	return inst, nil
}

func (is *instanceSet) Instances(ctx context.Context, tags cloud.Tags) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Instance
	for _, inst := range is.instances {
		if inst.tags.Contains(tags) {
			ret = append(ret, inst)
		}
	}
	return ret, nil
}

func (is *instanceSet) Stop() {}

type instance struct {
	is           *instanceSet
	id           cloud.InstanceID
	instanceType cloudops.InstanceType
	image        string
	tags         cloud.Tags
}

func (i *instance) ID() cloud.InstanceID { return i.id }
func (i *instance) String() string       { return string(i.id) }
func (i *instance) ProviderType() string { return i.instanceType.ProviderType }
func (i *instance) Address() string      { return "localhost" }
func (i *instance) RemoteUser() string   { return os.Getenv("USER") }
func (i *instance) Tags() cloud.Tags     { return i.tags }
func (i *instance) Executor() cloud.Executor {
	return &Executor{}
}
func (i *instance) Destroy(context.Context) error {
	i.is.mtx.Lock()
	defer i.is.mtx.Unlock()
	delete(i.is.instances, i.id)
	return nil
}

// Executor runs commands with "sh -c" on the local host, each in its
// own process group.
type Executor struct {
	// Working directory for commands. Empty means the caller's.
	Dir string
	// Time to wait after SIGTERM before sending SIGKILL when the
	// context is cancelled. Zero means 5s.
	KillGrace time.Duration
}

// Execute runs cmd and returns its exit status. If ctx is cancelled
// first, the whole process group is terminated and ctx.Err() is
// returned.
func (e *Executor) Execute(ctx context.Context, env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = e.Dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group, so cancellation reaches grandchildren,
	// and no access to our tty.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return -1, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		e.killGroup(cmd.Process.Pid, done)
		return -1, ctx.Err()
	}
	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		if code := exiterr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, err
	}
	return 0, err
}

func (e *Executor) killGroup(pid int, done <-chan error) {
	grace := e.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		unix.Kill(-pid, unix.SIGKILL)
		<-done
	}
}

func (e *Executor) Close() error { return nil }
