// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshexecutor provides an implementation of cloud.Executor
// using a long-lived multiplexed SSH connection.
package sshexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cfa/cloudops/lib/cloud"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoAddress     = errors.New("instance has no address")
	ErrHostKeyChange = errors.New("host key changed since first connection")
	errClosed        = errors.New("executor closed")
)

// An Executor runs shell commands on an instance over SSH. It
// reconnects automatically after errors.
//
// The first host key presented by the instance is accepted and
// remembered; a different key on a later connection is refused.
//
// An Executor must not be copied.
type Executor struct {
	target  cloud.Instance
	port    string
	signers []ssh.Signer
	timeout time.Duration

	mtx     sync.Mutex
	client  *ssh.Client
	hostKey ssh.PublicKey
	closed  bool
}

// New returns an Executor for target, authenticating with the given
// keys. If target.Address() has no port, port is used ("" means 22).
func New(target cloud.Instance, port string, signers ...ssh.Signer) *Executor {
	if port == "" {
		port = "22"
	}
	return &Executor{target: target, port: port, signers: signers, timeout: time.Minute}
}

// Execute runs cmd on the target. If ctx is cancelled first, the
// remote process is sent SIGTERM and the session is closed.
func (exr *Executor) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	session, err := exr.newSession(ctx)
	if err != nil {
		return -1, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return -1, err
		}
	}
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(cmd); err != nil {
		return -1, err
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		return -1, ctx.Err()
	}
	var exiterr *ssh.ExitError
	if errors.As(err, &exiterr) {
		return exiterr.ExitStatus(), nil
	} else if err != nil {
		return -1, err
	}
	return 0, nil
}

// Close shuts down the connection, if any.
func (exr *Executor) Close() error {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.closed = true
	if exr.client != nil {
		err := exr.client.Close()
		exr.client = nil
		return err
	}
	return nil
}

// newSession returns a session on the existing connection, or sets
// up a new connection if that fails.
func (exr *Executor) newSession(ctx context.Context) (*ssh.Session, error) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	if exr.closed {
		return nil, errClosed
	}
	if exr.client != nil {
		if session, err := exr.client.NewSession(); err == nil {
			return session, nil
		}
		// Hang up the non-working client
		go exr.client.Close()
		exr.client = nil
	}
	client, err := exr.dial(ctx)
	if err != nil {
		return nil, err
	}
	exr.client = client
	return client.NewSession()
}

// TargetAddr returns host:port for the current target address.
func (exr *Executor) TargetAddr() string {
	addr := exr.target.Address()
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, exr.port)
}

func (exr *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	addr := exr.TargetAddr()
	if addr == "" {
		return nil, ErrNoAddress
	}
	dialer := net.Dialer{Timeout: exr.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	known := exr.hostKey
	var received ssh.PublicKey
	sshconn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: exr.target.RemoteUser(),
		Auth: []ssh.AuthMethod{ssh.PublicKeys(exr.signers...)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if known != nil && !bytes.Equal(known.Marshal(), key.Marshal()) {
				return fmt.Errorf("%w: %s", ErrHostKeyChange, exr.target)
			}
			received = key
			return nil
		},
		Timeout: exr.timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	exr.hostKey = received
	return ssh.NewClient(sshconn, chans, reqs), nil
}
