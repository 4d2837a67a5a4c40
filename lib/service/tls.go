// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/sirupsen/logrus"
)

// certReloader holds the key pair the cluster server presents.
type certReloader struct {
	certFile, keyFile string
	current           atomic.Pointer[tls.Certificate]
}

func (cr *certReloader) load() error {
	cert, err := tls.LoadX509KeyPair(cr.certFile, cr.keyFile)
	if err != nil {
		return fmt.Errorf("error loading X509 key pair: %w", err)
	}
	cr.current.Store(&cert)
	return nil
}

// reloadOnHangup loads the key pair again each time the process
// receives SIGHUP. A failed reload is logged and the previous pair
// stays in use.
func (cr *certReloader) reloadOnHangup(logger logrus.FieldLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := cr.load(); err != nil {
				logger.WithError(err).Warn("error reloading TLS certificate")
			} else {
				logger.WithField("Certificate", cr.certFile).Info("reloaded TLS certificate")
			}
		}
	}()
}

func tlsConfigWithCertUpdater(cluster cloudops.ClusterConfig, logger logrus.FieldLogger) (*tls.Config, error) {
	if cluster.TLS.Key == "" || cluster.TLS.Certificate == "" {
		return nil, fmt.Errorf("cannot use TLS: Cluster.TLS.Key and Cluster.TLS.Certificate must both be set")
	}
	cr := &certReloader{certFile: cluster.TLS.Certificate, keyFile: cluster.TLS.Key}
	if err := cr.load(); err != nil {
		return nil, err
	}
	cr.reloadOnHangup(logger)
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return cr.current.Load(), nil
		},
	}, nil
}
