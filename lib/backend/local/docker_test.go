// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"context"
	"errors"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&dockerSuite{})

type dockerSuite struct{}

// stubDocker answers image queries from a fixed list. Other calls
// panic.
type stubDocker struct {
	client.APIClient
	images  []image.Summary
	listErr error
}

func (sd *stubDocker) ImageInspectWithRaw(ctx context.Context, name string) (types.ImageInspect, []byte, error) {
	want := familiarName(name)
	for _, img := range sd.images {
		for _, tag := range img.RepoTags {
			if familiarName(tag) == want {
				return types.ImageInspect{ID: img.ID, RepoTags: img.RepoTags, RepoDigests: img.RepoDigests}, nil, nil
			}
		}
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("No such image: " + name))
}

func (sd *stubDocker) ImageList(ctx context.Context, opts image.ListOptions) ([]image.Summary, error) {
	return sd.images, sd.listErr
}

var stubImages = []image.Summary{
	{
		ID:          "sha256:1111",
		RepoTags:    []string{"ubuntu:22.04", "ubuntu:latest"},
		RepoDigests: []string{"ubuntu@sha256:aaaa"},
	},
	{
		ID:       "sha256:2222",
		RepoTags: []string{"ghcr.io/cfa/model:v2"},
	},
	{
		ID:       "sha256:3333",
		RepoTags: []string{"<none>:<none>"},
	},
}

func (s *dockerSuite) TestInspect(c *check.C) {
	dr := &dockerRunner{client: &stubDocker{images: stubImages}}
	ref, err := dr.Inspect(context.Background(), "docker.io/library/ubuntu:22.04")
	c.Assert(err, check.IsNil)
	c.Check(ref, check.DeepEquals, cloudops.ImageRef{
		Name:   "ubuntu:22.04",
		Tags:   []string{"ubuntu:22.04", "ubuntu:latest"},
		Digest: "sha256:aaaa",
		Origin: cloudops.ImageOriginDocker,
	})
	ref, err = dr.Inspect(context.Background(), "ghcr.io/cfa/model:v2")
	c.Assert(err, check.IsNil)
	c.Check(ref.Digest, check.Equals, "sha256:2222")

	_, err = dr.Inspect(context.Background(), "ubuntu:20.04")
	c.Check(errors.Is(err, cloudops.ErrDeploymentAborted), check.Equals, true)
}

func (s *dockerSuite) TestImages(c *check.C) {
	dr := &dockerRunner{client: &stubDocker{images: stubImages}}
	images, err := dr.Images(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(images, check.DeepEquals, []cloudops.ImageRef{
		{Name: "ghcr.io/cfa/model", Tags: []string{"v2"}, Origin: cloudops.ImageOriginDocker},
		{Name: "ubuntu", Tags: []string{"22.04", "latest"}, Origin: cloudops.ImageOriginDocker},
	})

	dr = &dockerRunner{client: &stubDocker{listErr: errors.New("daemon not running")}}
	_, err = dr.Images(context.Background())
	c.Check(errors.Is(err, cloudops.ErrBackendUnavailable), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*daemon not running`)
}
