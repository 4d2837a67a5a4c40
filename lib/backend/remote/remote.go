// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remote is the execution backend that hands pools, jobs and
// tasks to a remote elastic cluster. It keeps nothing on local disk.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cfa/cloudops/lib/cluster"
	"github.com/cfa/cloudops/sdk/go/auth"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const (
	defaultCacheSize = 128
	defaultTimeout   = time.Minute
	clientRetries    = 3
)

// Backend is the remote execution backend.
type Backend struct {
	Service cluster.Service
	// Registry host (e.g. "cfaacr.azurecr.io") for image names
	// that do not name one. Empty means images are used as given.
	Registry string
	// If false, ResolveImage only checks that the reference
	// parses.
	VerifyImages bool
	// Extra options for registry requests.
	CraneOptions []crane.Option
	Logger       logrus.FieldLogger

	snapshots *lru.Cache
}

// New returns a backend for the cluster at cfg.Remote.ClusterURL.
func New(ctx context.Context, cfg cloudops.Config, logger logrus.FieldLogger) (*Backend, error) {
	if cfg.Remote.ClusterURL == "" {
		return nil, fmt.Errorf("remote backend needs a cluster URL")
	}
	creds, err := auth.NewProvider(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Remote.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	registry, err := registryHost(cfg.Remote.Registry)
	if err != nil {
		return nil, err
	}
	return NewBackend(
		cluster.NewClient(cfg.Remote.ClusterURL, cfg.Remote.AuthToken, creds, clientRetries, timeout, logger),
		registry, cfg.Remote.VerifyImages, cfg.Remote.CacheSize, logger)
}

// NewBackend returns a backend using svc, keeping the last status
// snapshot of up to cacheSize jobs.
func NewBackend(svc cluster.Service, registry string, verifyImages bool, cacheSize int, logger logrus.FieldLogger) (*Backend, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Backend{
		Service:      svc,
		Registry:     registry,
		VerifyImages: verifyImages,
		Logger:       logger,
		snapshots:    cache,
	}, nil
}

// registryHost accepts either a bare host or an endpoint URL like
// "https://cfaacr.azurecr.io".
func registryHost(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("invalid registry %q: %w", s, err)
		}
		s = u.Host
	}
	reg, err := name.NewRegistry(s)
	if err != nil {
		return "", fmt.Errorf("invalid registry %q: %w", s, err)
	}
	return reg.RegistryStr(), nil
}

func (b *Backend) Name() string { return "remote" }

func (b *Backend) Close() error {
	b.snapshots.Purge()
	return nil
}

func (b *Backend) CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error) {
	return b.Service.CreatePool(ctx, pool)
}

func (b *Backend) GetPool(ctx context.Context, name string) (cloudops.Pool, error) {
	return b.Service.GetPool(ctx, name)
}

func (b *Backend) ListPools(ctx context.Context) ([]cloudops.Pool, error) {
	return b.Service.ListPools(ctx)
}

func (b *Backend) DeletePool(ctx context.Context, name string) error {
	return b.Service.DeletePool(ctx, name)
}

func (b *Backend) CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error) {
	return b.Service.CreateJob(ctx, job)
}

func (b *Backend) GetJob(ctx context.Context, name string) (cloudops.Job, error) {
	return b.Service.GetJob(ctx, name)
}

func (b *Backend) DeleteJob(ctx context.Context, name string) error {
	err := b.Service.DeleteJob(ctx, name)
	if err == nil || errors.Is(err, cloudops.ErrJobNotFound) {
		b.snapshots.Remove(name)
	}
	return err
}

func (b *Backend) CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error) {
	return b.Service.CreateJobSchedule(ctx, sched)
}

func (b *Backend) GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error) {
	return b.Service.GetJobSchedule(ctx, name)
}

func (b *Backend) Submit(ctx context.Context, job string, tasks []cloudops.Task) error {
	return b.Service.AddTasks(ctx, job, tasks)
}

// Cancel terminates the job on the cluster. The cluster stops its
// running tasks.
func (b *Backend) Cancel(ctx context.Context, job string) error {
	return b.Service.TerminateJob(ctx, job, cloudops.ReasonCancelled)
}

// Status returns a fresh snapshot of the job. If the cluster cannot
// be reached, it returns the last snapshot seen instead, marked
// Stale.
func (b *Backend) Status(ctx context.Context, job string) (*cloudops.JobStatusSnapshot, error) {
	snap, err := b.fetchStatus(ctx, job)
	if errors.Is(err, cloudops.ErrBackendUnavailable) {
		if v, ok := b.snapshots.Get(job); ok {
			stale := *v.(*cloudops.JobStatusSnapshot)
			stale.Stale = true
			b.Logger.WithError(err).WithFields(logrus.Fields{
				"Job":        job,
				"ObservedAt": stale.ObservedAt,
			}).Warn("cluster unavailable, using last known status")
			return &stale, nil
		}
	}
	if err != nil {
		return nil, err
	}
	b.snapshots.Add(job, snap)
	copied := *snap
	return &copied, nil
}

func (b *Backend) fetchStatus(ctx context.Context, name string) (*cloudops.JobStatusSnapshot, error) {
	job, err := b.Service.GetJob(ctx, name)
	if err != nil {
		return nil, err
	}
	tasks, err := b.Service.ListTasks(ctx, name)
	if err != nil {
		return nil, err
	}
	return cloudops.NewSnapshot(job, tasks, time.Now().UTC()), nil
}

// qualify returns the image reference to look up in the registry.
func (b *Backend) qualify(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", cloudops.WrapError(cloudops.ErrInvalidSpec, err, "container image %q", ref)
	}
	if b.Registry == "" || reference.Domain(named) != "docker.io" || strings.HasPrefix(ref, "docker.io/") {
		return reference.TagNameOnly(named).String(), nil
	}
	return b.Registry + "/" + reference.FamiliarString(reference.TagNameOnly(named)), nil
}

// ResolveImage checks that the registry has the image, and returns
// its digest.
func (b *Backend) ResolveImage(ctx context.Context, ref string) (cloudops.ImageRef, error) {
	qualified, err := b.qualify(ref)
	if err != nil {
		return cloudops.ImageRef{}, err
	}
	img := cloudops.ImageRef{Name: qualified, Origin: cloudops.ImageOriginRegistry}
	if !b.VerifyImages {
		return img, nil
	}
	img.Digest, err = crane.Digest(qualified, b.craneOptions(ctx)...)
	if err != nil {
		return cloudops.ImageRef{}, b.registryError(err, "container image %q", qualified)
	}
	return img, nil
}

func (b *Backend) craneOptions(ctx context.Context) []crane.Option {
	return append([]crane.Option{crane.WithContext(ctx)}, b.CraneOptions...)
}

// registryError classifies err: the registry answered that something
// is missing or forbidden (DeploymentAborted), or could not be asked
// (BackendUnavailable).
func (b *Backend) registryError(err error, format string, args ...interface{}) error {
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode < http.StatusInternalServerError {
		return cloudops.WrapError(cloudops.ErrDeploymentAborted, err, format, args...)
	}
	return cloudops.WrapError(cloudops.ErrBackendUnavailable, err, format, args...)
}

// ListImages returns the cluster's node images, then the
// repositories in the configured registry with their tags.
func (b *Backend) ListImages(ctx context.Context) ([]cloudops.ImageRef, error) {
	images, err := b.Service.ListNodeImages(ctx)
	if err != nil {
		return nil, err
	}
	if b.Registry == "" {
		return images, nil
	}
	repos, err := crane.Catalog(b.Registry, b.craneOptions(ctx)...)
	if err != nil {
		return nil, b.registryError(err, "listing registry %s", b.Registry)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		full := b.Registry + "/" + repo
		tags, err := crane.ListTags(full, b.craneOptions(ctx)...)
		if err != nil {
			return nil, b.registryError(err, "listing tags of %s", full)
		}
		sort.Strings(tags)
		images = append(images, cloudops.ImageRef{Name: full, Tags: tags, Origin: cloudops.ImageOriginRegistry})
	}
	return images, nil
}
