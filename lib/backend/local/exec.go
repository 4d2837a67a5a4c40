// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cfa/cloudops/lib/cloud/loopback"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/distribution/reference"
)

// execRunner runs commands directly on the host, for machines without
// docker. The image is only checked against a list of names. Each
// bind becomes a symlink in the task's working directory.
type execRunner struct {
	images    []string
	killGrace time.Duration
}

// NewExecRunner returns a runner that accepts the listed images, or
// any image if the list is empty.
func NewExecRunner(images []string, killGrace time.Duration) ContainerRunner {
	return &execRunner{images: images, killGrace: killGrace}
}

func (er *execRunner) Run(ctx context.Context, spec RunSpec) (int, error) {
	dir, err := os.MkdirTemp("", "cloudops-task-")
	if err != nil {
		return -1, err
	}
	defer os.RemoveAll(dir)
	for _, b := range spec.Binds {
		link := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(b.Target, "/")))
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return -1, err
		}
		if err := os.Symlink(b.Source, link); err != nil {
			return -1, err
		}
	}
	exr := &loopback.Executor{Dir: dir, KillGrace: er.killGrace}
	return exr.Execute(ctx, spec.Env, spec.Command, nil, spec.Stdout, spec.Stderr)
}

func (er *execRunner) Inspect(ctx context.Context, img string) (cloudops.ImageRef, error) {
	want := familiarName(img)
	if len(er.images) == 0 {
		return cloudops.ImageRef{Name: want, Origin: cloudops.ImageOriginDocker}, nil
	}
	for _, have := range er.images {
		if familiarName(have) == want {
			return cloudops.ImageRef{Name: want, Origin: cloudops.ImageOriginDocker}, nil
		}
	}
	return cloudops.ImageRef{}, cloudops.Errorf(cloudops.ErrDeploymentAborted, "container image %q is not in the configured image list", img)
}

func (er *execRunner) Images(ctx context.Context) ([]cloudops.ImageRef, error) {
	byName := map[string]*cloudops.ImageRef{}
	for _, img := range er.images {
		name, tag := img, ""
		if named, err := reference.ParseNormalizedNamed(img); err == nil {
			name = reference.FamiliarName(named)
			if tagged, ok := reference.TagNameOnly(named).(reference.Tagged); ok {
				tag = tagged.Tag()
			}
		}
		ref := byName[name]
		if ref == nil {
			ref = &cloudops.ImageRef{Name: name, Origin: cloudops.ImageOriginDocker}
			byName[name] = ref
		}
		if tag != "" {
			ref.Tags = append(ref.Tags, tag)
		}
	}
	return sortedImages(byName), nil
}
