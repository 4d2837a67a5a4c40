// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudtest provides helpers for testing cloud drivers and
// the code that uses them.
package cloudtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// NewKey returns a freshly generated keypair.
func NewKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer
}

// An ExecFunc handles an "exec" request on an SSH session and returns
// the exit status.
type ExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// An SSHService accepts SSH connections on a loopback port and passes
// "exec" requests to Exec.
type SSHService struct {
	Exec           ExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey
	Logger         logrus.FieldLogger

	mtx      sync.Mutex
	listener net.Listener
	conns    []net.Conn
}

// Start listens on an available port.
func (ss *SSHService) Start() error {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(cm ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if cm.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", cm.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", cm.User())
		},
	}
	config.AddHostKey(ss.HostKey)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	ss.mtx.Lock()
	ss.listener = ln
	ss.mtx.Unlock()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ss.mtx.Lock()
			ss.conns = append(ss.conns, conn)
			ss.mtx.Unlock()
			go ss.serveConn(conn, config)
		}
	}()
	return nil
}

// Address returns the listening host:port, or "" before Start.
func (ss *SSHService) Address() string {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener == nil {
		return ""
	}
	return ss.listener.Addr().String()
}

// Close stops listening and hangs up existing connections.
func (ss *SSHService) Close() {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener != nil {
		ss.listener.Close()
	}
	for _, conn := range ss.conns {
		conn.Close()
	}
	ss.conns = nil
}

func (ss *SSHService) logf(f string, args ...interface{}) {
	if ss.Logger != nil {
		ss.Logger.Debugf(f, args...)
	}
}

func (ss *SSHService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		ss.logf("ssh handshake: %s", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			ss.logf("accept channel: %s", err)
			return
		}
		go ss.serveSession(ch, reqs)
	}
}

func (ss *SSHService) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	didExec := false
	env := map[string]string{}
	for req := range reqs {
		switch {
		case didExec:
			// signals etc. are not supported
			req.Reply(false, nil)
		case req.Type == "env":
			var envReq struct{ Name, Value string }
			ssh.Unmarshal(req.Payload, &envReq)
			env[envReq.Name] = envReq.Value
			req.Reply(true, nil)
		case req.Type == "exec":
			var execReq struct{ Command string }
			ssh.Unmarshal(req.Payload, &execReq)
			req.Reply(true, nil)
			didExec = true
			go func() {
				status := struct{ Status uint32 }{ss.Exec(env, execReq.Command, ch, ch, ch.Stderr())}
				ch.SendRequest("exit-status", false, ssh.Marshal(&status))
				ch.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}
