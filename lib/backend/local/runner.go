// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"context"
	"io"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/distribution/reference"
)

// A Bind makes a host directory visible to a task at Target.
type Bind struct {
	Source string
	Target string
}

// A RunSpec describes one task execution.
type RunSpec struct {
	Name    string
	Image   string
	Command string
	Env     map[string]string
	Binds   []Bind
	Stdout  io.Writer
	Stderr  io.Writer
}

// A ContainerRunner runs task commands inside container images.
type ContainerRunner interface {
	// Run runs spec.Command with "sh -c" and returns its exit
	// code. If ctx ends first, the task is stopped and ctx.Err()
	// is returned.
	Run(ctx context.Context, spec RunSpec) (int, error)
	// Inspect returns cloudops.ErrDeploymentAborted if the image
	// is not available.
	Inspect(ctx context.Context, image string) (cloudops.ImageRef, error)
	Images(ctx context.Context) ([]cloudops.ImageRef, error)
}

// familiarName returns the short form of an image reference
// ("ubuntu:latest" for "docker.io/library/ubuntu"), or the input
// itself if it does not parse.
func familiarName(image string) string {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return image
	}
	return reference.FamiliarString(reference.TagNameOnly(named))
}
