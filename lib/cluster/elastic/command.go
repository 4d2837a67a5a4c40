// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cfa/cloudops/lib/cloud"
	"github.com/cfa/cloudops/lib/cloud/azure"
	"github.com/cfa/cloudops/lib/cloud/ec2"
	"github.com/cfa/cloudops/lib/cloud/loopback"
	"github.com/cfa/cloudops/lib/cluster"
	"github.com/cfa/cloudops/lib/service"
	"github.com/cfa/cloudops/lib/storage"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
)

// Drivers are the cloud drivers Cluster.Driver can name.
var Drivers = map[string]cloud.Driver{
	"azure":    azure.Driver,
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

// Command runs the cluster server.
var Command = service.Command("cluster-server", newHandler)

// Every node the server creates carries this tag.
var managedTags = cloud.Tags{"managed-by": "cloudops"}

type handler struct {
	http.Handler
	cluster *Cluster
	records *PostgresRecords
	done    chan struct{}
}

func (h *handler) CheckHealth() error {
	if h.records == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.records.Ping(ctx)
}

func (h *handler) Done() <-chan struct{} {
	return h.done
}

func newHandler(ctx context.Context, cfg *cloudops.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	ccfg := cfg.Cluster

	driver, ok := Drivers[ccfg.Driver]
	if !ok {
		return service.ErrorHandler(ctx, cloudops.Errorf(cloudops.ErrInvalidSpec, "Cluster.Driver: unknown driver %q", ccfg.Driver))
	}
	is, err := driver.InstanceSet(ccfg.DriverParameters, managedTags, logger.WithField("Driver", ccfg.Driver))
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing %s driver: %w", ccfg.Driver, err))
	}

	var key ssh.Signer
	if ccfg.PrivateKeyFile != "" {
		buf, err := os.ReadFile(ccfg.PrivateKeyFile)
		if err != nil {
			return service.ErrorHandler(ctx, err)
		}
		key, err = ssh.ParsePrivateKey(buf)
		if err != nil {
			return service.ErrorHandler(ctx, fmt.Errorf("error parsing %s: %w", ccfg.PrivateKeyFile, err))
		}
	}

	scfg := cfg.Storage
	if (scfg.Driver == "" || scfg.Driver == "localdir") && scfg.Root == "" {
		scfg.Root = filepath.Join(cfg.Local.StateDir, "blobs")
	}
	logs, err := storage.New(ctx, scfg, logger)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing storage: %w", err))
	}

	h := &handler{done: make(chan struct{})}
	var records Records
	if ccfg.DatabaseURL != "" {
		h.records, err = OpenPostgres(ctx, ccfg.DatabaseURL)
		if err != nil {
			return service.ErrorHandler(ctx, err)
		}
		records = h.records
	}

	h.cluster = &Cluster{
		Context:      ctx,
		Config:       ccfg,
		InstanceSet:  is,
		SSHKey:       key,
		Logs:         logs,
		Records:      records,
		Registry:     reg,
		Logger:       logger,
		SampleWindow: cfg.Autoscale.SampleWindow.Duration(),
	}
	if err := h.cluster.Load(ctx); err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error loading records: %w", err))
	}
	h.cluster.Start()
	h.Handler = &cluster.Server{
		Service:  h.cluster,
		Token:    ccfg.AuthToken,
		Registry: reg,
		Logger:   logger,
	}
	go func() {
		<-ctx.Done()
		h.cluster.Stop()
		is.Stop()
		if h.records != nil {
			h.records.Close()
		}
		close(h.done)
	}()
	return h
}
