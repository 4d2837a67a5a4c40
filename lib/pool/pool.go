// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool creates and deletes pools on the active backend,
// applying configured defaults and the autoscale policy.
package pool

import (
	"context"
	"errors"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/cfa/cloudops/lib/autoscale"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/distribution/reference"
	"github.com/sirupsen/logrus"
)

// Built-in defaults, used where the configuration leaves a pool
// default unset.
const (
	DefaultDedicatedNodes     = 5
	DefaultLowPriorityNodes   = 5
	DefaultMaxAutoscaleNodes  = 10
	DefaultEvaluationInterval = cloudops.Duration(5 * time.Minute)
	DefaultTaskSlotsPerNode   = 1
)

// Backend is the part of the execution backend the pool manager
// uses.
type Backend interface {
	CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error)
	GetPool(ctx context.Context, name string) (cloudops.Pool, error)
	DeletePool(ctx context.Context, name string) error
	ResolveImage(ctx context.Context, ref string) (cloudops.ImageRef, error)
	ListImages(ctx context.Context) ([]cloudops.ImageRef, error)
}

type Manager struct {
	Backend  Backend
	Defaults cloudops.Pool
	Logger   logrus.FieldLogger
}

// NewManager returns a Manager whose defaults come from
// cfg.PoolDefaults, falling back to the built-in defaults.
func NewManager(be Backend, cfg cloudops.Config, logger logrus.FieldLogger) *Manager {
	pd := cfg.PoolDefaults
	defaults := cloudops.Pool{
		NodeImage:          pd.NodeImage,
		VMSize:             pd.VMSize,
		ContainerImage:     pd.ContainerImage,
		DedicatedNodes:     pd.DedicatedNodes,
		LowPriorityNodes:   pd.LowPriorityNodes,
		MaxAutoscaleNodes:  pd.MaxAutoscaleNodes,
		EvaluationInterval: pd.EvaluationInterval,
		TaskSlotsPerNode:   pd.TaskSlotsPerNode,
		Availability:       pd.Availability,
		CacheBlobfuse:      pd.CacheBlobfuse,
		AutoscaleFormula:   pd.AutoscaleFormula,
	}
	err := mergo.Merge(&defaults, cloudops.Pool{
		DedicatedNodes:     DefaultDedicatedNodes,
		LowPriorityNodes:   DefaultLowPriorityNodes,
		MaxAutoscaleNodes:  DefaultMaxAutoscaleNodes,
		EvaluationInterval: DefaultEvaluationInterval,
		TaskSlotsPerNode:   DefaultTaskSlotsPerNode,
		Availability:       cloudops.AvailabilityRegional,
		AutoscaleFormula:   autoscale.Default,
	})
	if err != nil {
		// Merging two values of the same struct type does not
		// fail.
		panic(err)
	}
	return &Manager{Backend: be, Defaults: defaults, Logger: logger}
}

// CreatePool validates spec, fills in defaults, confirms the
// container image, and registers the pool with the backend.
func (m *Manager) CreatePool(ctx context.Context, spec cloudops.PoolSpec) (*cloudops.Pool, error) {
	pool, err := m.build(spec)
	if err != nil {
		return nil, err
	}
	logger := m.Logger.WithField("Pool", pool.Name)

	if pool.ContainerImage != "" {
		img, err := m.Backend.ResolveImage(ctx, pool.ContainerImage)
		if errors.Is(err, cloudops.ErrInvalidSpec) || errors.Is(err, cloudops.ErrDeploymentAborted) {
			return nil, err
		} else if err != nil {
			return nil, cloudops.WrapError(cloudops.ErrDeploymentAborted, err, "container image %q", pool.ContainerImage)
		}
		logger.WithFields(logrus.Fields{
			"ContainerImage": img.Name,
			"Digest":         img.Digest,
		}).Debug("resolved container image")
	}

	_, err = m.Backend.GetPool(ctx, pool.Name)
	switch {
	case errors.Is(err, cloudops.ErrPoolNotFound):
	case err != nil:
		return nil, err
	case !spec.ReplaceExisting:
		return nil, cloudops.Errorf(cloudops.ErrPoolAlreadyExists, "pool %q (set replace_existing_pool to recreate it)", pool.Name)
	default:
		logger.Info("deleting existing pool before recreating it")
		if err := m.Backend.DeletePool(ctx, pool.Name); err != nil && !errors.Is(err, cloudops.ErrPoolNotFound) {
			return nil, cloudops.WrapError(cloudops.ErrDeploymentAborted, err, "could not replace pool %q", pool.Name)
		}
	}

	created, err := m.Backend.CreatePool(ctx, pool)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"ScaleMode":        created.ScaleMode,
		"VMSize":           created.VMSize,
		"AutoscaleFormula": created.AutoscaleFormula,
	}).Info("pool created")
	return &created, nil
}

// build turns spec into a pool record without talking to the
// backend.
func (m *Manager) build(spec cloudops.PoolSpec) (cloudops.Pool, error) {
	name := cloudops.NormalizePoolName(spec.Name)
	if name == "" {
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool name is empty")
	}
	mounts, err := cloudops.NormalizeMounts(spec.Mounts)
	if err != nil {
		return cloudops.Pool{}, err
	}
	for _, n := range []*int{spec.DedicatedNodes, spec.LowPriorityNodes, &spec.MaxAutoscaleNodes, &spec.TaskSlotsPerNode} {
		if n != nil && *n < 0 {
			return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool %q: node and slot counts must not be negative", name)
		}
	}
	pool := cloudops.Pool{
		Name:               name,
		NodeImage:          spec.NodeImage,
		VMSize:             spec.VMSize,
		ContainerImage:     strings.TrimSpace(spec.ContainerImage),
		Mounts:             mounts,
		AutoscaleFormula:   spec.AutoscaleFormula,
		MaxAutoscaleNodes:  spec.MaxAutoscaleNodes,
		EvaluationInterval: spec.EvaluationInterval,
		TaskSlotsPerNode:   spec.TaskSlotsPerNode,
		Availability:       spec.Availability,
	}
	if err := mergo.Merge(&pool, m.Defaults); err != nil {
		return cloudops.Pool{}, err
	}
	if spec.DedicatedNodes != nil {
		pool.DedicatedNodes = *spec.DedicatedNodes
	}
	if spec.LowPriorityNodes != nil {
		pool.LowPriorityNodes = *spec.LowPriorityNodes
	}
	pool.CacheBlobfuse = m.Defaults.CacheBlobfuse
	if spec.CacheBlobfuse != nil {
		pool.CacheBlobfuse = *spec.CacheBlobfuse
	}

	switch pool.Availability {
	case cloudops.AvailabilityRegional, cloudops.AvailabilityZonal:
	default:
		return cloudops.Pool{}, cloudops.Errorf(cloudops.ErrInvalidSpec, "pool %q: availability must be %q or %q, not %q", name, cloudops.AvailabilityRegional, cloudops.AvailabilityZonal, pool.Availability)
	}

	if pool.ContainerImage != "" {
		pool.ContainerImage, err = NormalizeImage(pool.ContainerImage)
		if err != nil {
			return cloudops.Pool{}, err
		}
	}

	if spec.Autoscale {
		f, err := autoscale.Lookup(pool.AutoscaleFormula, pool.MaxAutoscaleNodes)
		if err != nil {
			return cloudops.Pool{}, err
		}
		pool.ScaleMode = cloudops.ScaleAutoscale
		pool.AutoscaleFormula = f.Name()
		pool.DedicatedNodes = 0
		pool.LowPriorityNodes = 0
	} else {
		pool.ScaleMode = cloudops.ScaleFixed
		pool.AutoscaleFormula = ""
		pool.MaxAutoscaleNodes = 0
		pool.EvaluationInterval = 0
	}
	return pool, nil
}

// NormalizeImage checks that ref is a valid image reference and
// adds the "latest" tag if it has neither a tag nor a digest. The
// registry part is left as written.
func NormalizeImage(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", cloudops.WrapError(cloudops.ErrInvalidSpec, err, "container image %q", ref)
	}
	if reference.IsNameOnly(named) {
		return ref + ":latest", nil
	}
	return ref, nil
}

// DeletePool deletes the named pool.
func (m *Manager) DeletePool(ctx context.Context, name string) error {
	name = cloudops.NormalizePoolName(name)
	if err := m.Backend.DeletePool(ctx, name); err != nil {
		return err
	}
	m.Logger.WithField("Pool", name).Info("pool deleted")
	return nil
}

// ListAvailableImages returns the images the backend can use for
// pools whose names match filter, a doublestar glob ("" matches
// everything).
func (m *Manager) ListAvailableImages(ctx context.Context, filter string) ([]cloudops.ImageRef, error) {
	if filter != "" && !doublestar.ValidatePattern(filter) {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "bad image filter %q", filter)
	}
	images, err := m.Backend.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return images, nil
	}
	var matched []cloudops.ImageRef
	for _, img := range images {
		if ok, _ := doublestar.Match(filter, img.Name); ok {
			matched = append(matched, img)
		}
	}
	return matched, nil
}
