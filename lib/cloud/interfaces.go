// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the interfaces the elastic cluster uses to
// obtain compute nodes from a provider and run commands on them.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// A RateLimitError is returned by an InstanceSet when the provider is
// rejecting API calls for a while.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError is returned by an InstanceSet when the account cannot
// create more nodes than already exist.
type QuotaError interface {
	IsQuotaError() bool
	error
}

type InstanceID string

// Tags are attached to an instance when it is created, and used to
// find the instances belonging to a pool.
type Tags map[string]string

var ErrNotImplemented = errors.New("not implemented")

// An Instance is one compute node.
type Instance interface {
	// ID returns the provider's instance ID. It is stable for the
	// life of the instance.
	ID() InstanceID
	String() string

	// Hostname or IP address reachable over SSH, or "" while
	// booting.
	Address() string

	// Username for SSH login.
	RemoteUser() string

	// Provider's instance type, e.g. "m5.large". Matches an
	// InstanceType ProviderType in the cluster configuration.
	ProviderType() string

	Tags() Tags

	// Shut down the node.
	Destroy(context.Context) error
}

// An Executor runs shell commands on a node.
type Executor interface {
	// Execute runs cmd and returns its exit code. A non-nil error
	// means the command could not be run (or its exit status
	// could not be determined); a non-zero exit code alone is not
	// an error.
	Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)
	Close() error
}

// A LocalInstance is an Instance that runs commands itself, without
// SSH (e.g., the loopback driver's instances).
type LocalInstance interface {
	Instance
	Executor() Executor
}

// An InstanceSet manages the nodes created through one provider
// account. All methods are safe to call concurrently.
type InstanceSet interface {
	// Create a new node with the given type, image, and tags.
	//
	// The returned error implements RateLimitError or QuotaError
	// where applicable.
	Create(ctx context.Context, it cloudops.InstanceType, image string, tags Tags) (Instance, error)

	// Instances returns all nodes that carry all of the given
	// tags, including ones that are booting or shutting down.
	Instances(ctx context.Context, tags Tags) ([]Instance, error)

	// Stop background tasks and release resources.
	Stop()
}

// A Driver returns an InstanceSet using driver-specific configuration
// parameters. Every node it creates carries the given tags, in
// addition to the ones passed to Create.
type Driver interface {
	InstanceSet(config json.RawMessage, tags Tags, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, tags Tags, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, tags Tags, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, tags Tags, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, tags, logger)
}

// Contains reports whether have includes every key/value in want.
func (have Tags) Contains(want Tags) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
