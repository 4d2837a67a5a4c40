// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// LabelTask is set on every container the docker runner creates.
const LabelTask = "cloudops.task"

type dockerRunner struct {
	client client.APIClient
}

// NewDockerRunner returns a runner that uses the docker daemon found
// through the usual environment variables (DOCKER_HOST etc.).
func NewDockerRunner() (ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("error creating docker client: %w", err)
	}
	return &dockerRunner{client: cli}, nil
}

func (dr *dockerRunner) Run(ctx context.Context, spec RunSpec) (int, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    []string{"sh", "-c", spec.Command},
		Labels: map[string]string{LabelTask: spec.Name},
	}
	for k, v := range spec.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	sort.Strings(cfg.Env)
	hostCfg := &container.HostConfig{}
	for _, b := range spec.Binds {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: b.Source,
			Target: b.Target,
		})
	}
	created, err := dr.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("error creating container: %w", err)
	}
	defer func() {
		// Force also kills it if ctx was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		dr.client.ContainerRemove(rctx, created.ID, container.RemoveOptions{Force: true})
	}()

	waitOK, waitErr := dr.client.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)
	if err := dr.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("error starting container: %w", err)
	}
	var code int
	select {
	case body := <-waitOK:
		if body.Error != nil {
			return -1, fmt.Errorf("container wait: %s", body.Error.Message)
		}
		code = int(body.StatusCode)
	case err := <-waitErr:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("container wait: %w", err)
	}

	logs, err := dr.client.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return code, fmt.Errorf("error reading container logs: %w", err)
	}
	defer logs.Close()
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return code, fmt.Errorf("error reading container logs: %w", err)
	}
	return code, nil
}

func (dr *dockerRunner) Inspect(ctx context.Context, img string) (cloudops.ImageRef, error) {
	info, _, err := dr.client.ImageInspectWithRaw(ctx, img)
	if errdefs.IsNotFound(err) {
		return cloudops.ImageRef{}, cloudops.Errorf(cloudops.ErrDeploymentAborted, "container image %q is not available to docker", img)
	} else if err != nil {
		return cloudops.ImageRef{}, cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "inspecting image %q", img)
	}
	ref := cloudops.ImageRef{
		Name:   familiarName(img),
		Tags:   info.RepoTags,
		Digest: info.ID,
		Origin: cloudops.ImageOriginDocker,
	}
	for _, rd := range info.RepoDigests {
		if _, dgst, ok := strings.Cut(rd, "@"); ok {
			ref.Digest = dgst
			break
		}
	}
	return ref, nil
}

// Images returns one entry per repository, with all of its local
// tags.
func (dr *dockerRunner) Images(ctx context.Context) ([]cloudops.ImageRef, error) {
	summaries, err := dr.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "listing docker images")
	}
	byName := map[string]*cloudops.ImageRef{}
	for _, s := range summaries {
		for _, rt := range s.RepoTags {
			named, err := reference.ParseNormalizedNamed(rt)
			if err != nil {
				// "<none>:<none>"
				continue
			}
			name := reference.FamiliarName(named)
			ref := byName[name]
			if ref == nil {
				ref = &cloudops.ImageRef{Name: name, Origin: cloudops.ImageOriginDocker}
				byName[name] = ref
			}
			if tagged, ok := named.(reference.Tagged); ok {
				ref.Tags = append(ref.Tags, tagged.Tag())
			}
		}
	}
	return sortedImages(byName), nil
}

func sortedImages(byName map[string]*cloudops.ImageRef) []cloudops.ImageRef {
	images := make([]cloudops.ImageRef, 0, len(byName))
	for _, ref := range byName {
		sort.Strings(ref.Tags)
		images = append(images, *ref)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images
}
