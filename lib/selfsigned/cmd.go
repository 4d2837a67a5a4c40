// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selfsigned

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/cfa/cloudops/lib/cmd"
)

// Command writes a key pair suitable for Cluster.TLS.
var Command cmd.Handler = certCommand{}

type certCommand struct{}

func (certCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	certFile := flags.String("cert", "cluster.pem", "write certificate to `file`")
	keyFile := flags.String("key", "cluster.key", "write private key to `file`")
	hosts := flags.String("hosts", "localhost,127.0.0.1", "comma-separated `names` and addresses")
	bits := flags.Int("bits", 4096, "RSA key size")
	lifetime := flags.Duration("lifetime", 0, "certificate lifetime (default 1 year)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	gen := CertGenerator{
		Bits:     *bits,
		Hosts:    strings.Split(*hosts, ","),
		Lifetime: *lifetime,
	}
	if err := gen.WriteFiles(*certFile, *keyFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Cluster:\n  TLS:\n    Certificate: %s\n    Key: %s\n", *certFile, *keyFile)
	return 0
}
