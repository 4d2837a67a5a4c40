// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides an http.Server that can be stopped
// and waited for, and middleware for request IDs and request logs.
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is an http.Server that can be started on ":0", stopped
// without killing the process, and waited for.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	// ShutdownTimeout bounds how long Close waits for active
	// requests before dropping their connections. Zero means
	// close immediately.
	ShutdownTimeout time.Duration

	mtx  sync.Mutex
	done chan struct{}
	err  error
}

// Start listens on srv.Addr and serves in a background goroutine.
// When Start returns, Addr holds the address actually in use.
//
// If TLSConfig is set, the server speaks https using its
// GetCertificate or Certificates.
func (srv *Server) Start() error {
	lc := net.ListenConfig{KeepAlive: 3 * time.Minute}
	ln, err := lc.Listen(context.Background(), "tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.Addr = ln.Addr().String()
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	srv.mtx.Lock()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		srv.mtx.Lock()
		srv.err = err
		srv.mtx.Unlock()
		close(srv.done)
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	if srv.ShutdownTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err == nil {
			return srv.Wait()
		}
	}
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down. It returns the error
// that stopped it, or nil if it was closed.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
