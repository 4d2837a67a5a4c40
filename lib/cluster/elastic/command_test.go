// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/cfa/cloudops/lib/cluster"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&commandSuite{})

type commandSuite struct{}

func (s *commandSuite) TestServe(c *check.C) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	addr := ln.Addr().String()
	ln.Close()

	stdin := bytes.NewBufferString(`
Cluster:
  Listen: "` + addr + `"
  AuthToken: t0ken
  Driver: loopback
  ImageID: ubuntu-22.04
  InstanceTypes:
    standard_d4s_v3: {ProviderType: small, VCPUs: 4, RAM: 17179869184}
Storage:
  Root: ` + c.MkDir() + `
`)
	var stdout, stderr bytes.Buffer
	exited := make(chan int, 1)
	go func() {
		exited <- Command.RunCommand("cloudops cluster-server", []string{"-config=-"}, stdin, &stdout, &stderr)
	}()

	client := cluster.NewClient("http://"+addr, "t0ken", nil, 0, time.Second, ctxlog.TestLogger(c))
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := client.ListPools(ctx)
		if err == nil {
			break
		}
		select {
		case code := <-exited:
			c.Fatalf("command exited %d: %s", code, stderr.String())
		default:
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out: %s", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = client.GetJob(ctx, "nonexistent")
	c.Check(err, check.ErrorMatches, `JobNotFound.*`)

	bad := cluster.NewClient("http://"+addr, "wrong", nil, 0, time.Second, nil)
	_, err = bad.ListPools(ctx)
	c.Check(err, check.NotNil)
}

func (s *commandSuite) TestUnknownDriver(c *check.C) {
	h := newHandler(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)), &cloudops.Config{
		Cluster: cloudops.ClusterConfig{Driver: "gce"},
	}, prometheus.NewRegistry())
	c.Check(h.CheckHealth(), check.ErrorMatches, `InvalidSpec: Cluster.Driver: unknown driver "gce"`)
	select {
	case <-h.Done():
	default:
		c.Error("error handler should report done")
	}
}
