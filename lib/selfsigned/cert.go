// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package selfsigned generates key pairs for a cluster server's
// Cluster.TLS entries.
package selfsigned

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

type CertGenerator struct {
	// Key size. Zero means 4096.
	Bits int
	// DNS names and IP addresses the certificate is valid for.
	Hosts []string
	IsCA  bool
	// Zero means one year.
	Lifetime time.Duration
}

func (gen CertGenerator) template() (*x509.Certificate, error) {
	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	if gen.IsCA {
		keyUsage |= x509.KeyUsageCertSign
	}
	lifetime := gen.Lifetime
	if lifetime <= 0 {
		lifetime = 365 * 24 * time.Hour
	}
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("error generating serial number: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{Organization: []string{"cloudops cluster"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(lifetime),
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  gen.IsCA,
	}
	for _, h := range gen.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return tmpl, nil
}

// Generate returns a new self-signed certificate and its key.
func (gen CertGenerator) Generate() (tls.Certificate, error) {
	tmpl, err := gen.template()
	if err != nil {
		return tls.Certificate{}, err
	}
	bits := gen.Bits
	if bits == 0 {
		bits = 4096
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error generating key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error creating certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// WriteFiles generates a certificate and writes it and its key to
// the given paths in PEM format. The key file is created with mode
// 0600.
func (gen CertGenerator) WriteFiles(certFile, keyFile string) error {
	cert, err := gen.Generate()
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("error encoding key: %w", err)
	}
	err = writePEM(keyFile, 0600, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err != nil {
		return err
	}
	return writePEM(certFile, 0644, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
}

func writePEM(path string, mode os.FileMode, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	err = pem.Encode(f, block)
	if err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}
