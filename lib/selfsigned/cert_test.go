// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selfsigned

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestGenerate(c *check.C) {
	cert, err := CertGenerator{Bits: 1024, Hosts: []string{"localhost", "10.1.2.3"}}.Generate()
	c.Assert(err, check.IsNil)
	c.Assert(cert.Certificate, check.HasLen, 1)
	x, err := x509.ParseCertificate(cert.Certificate[0])
	c.Assert(err, check.IsNil)
	c.Check(x.DNSNames, check.DeepEquals, []string{"localhost"})
	c.Check(x.IPAddresses, check.HasLen, 1)
	c.Check(x.IsCA, check.Equals, false)
	c.Check(x.NotAfter.After(time.Now().Add(364*24*time.Hour)), check.Equals, true)

	cert, err = CertGenerator{Bits: 1024, IsCA: true, Lifetime: time.Hour}.Generate()
	c.Assert(err, check.IsNil)
	x, err = x509.ParseCertificate(cert.Certificate[0])
	c.Assert(err, check.IsNil)
	c.Check(x.IsCA, check.Equals, true)
	c.Check(x.NotAfter.Before(time.Now().Add(2*time.Hour)), check.Equals, true)
}

func (s *suite) TestWriteFiles(c *check.C) {
	dir := c.MkDir()
	certFile, keyFile := filepath.Join(dir, "c.pem"), filepath.Join(dir, "c.key")
	c.Assert(CertGenerator{Bits: 1024, Hosts: []string{"localhost"}}.WriteFiles(certFile, keyFile), check.IsNil)
	_, err := tls.LoadX509KeyPair(certFile, keyFile)
	c.Check(err, check.IsNil)
}

func (s *suite) TestCommand(c *check.C) {
	dir := c.MkDir()
	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("cloudops cluster-cert", []string{
		"-bits=1024",
		"-cert=" + filepath.Join(dir, "x.pem"),
		"-key=" + filepath.Join(dir, "x.key"),
	}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(stdout.String(), check.Matches, `(?ms)Cluster:\n  TLS:\n    Certificate: .*/x.pem\n    Key: .*/x.key\n`)
	_, err := tls.LoadX509KeyPair(filepath.Join(dir, "x.pem"), filepath.Join(dir, "x.key"))
	c.Check(err, check.IsNil)
}
