// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"
	"io"

	"github.com/cfa/cloudops/lib/config"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

// CommonFlagValues are the options every subcommand accepts.
type CommonFlagValues struct {
	Format  string
	Verbose bool
	Loader  *config.Loader
}

// CommonFlagSet returns a flag set with the common options
// (--config/-c, --format/-f, --verbose/-v) defined. Subcommands add
// their own options to it.
func CommonFlagSet(stdin io.Reader, logger logrus.FieldLogger) (*getopt.FlagSet, *CommonFlagValues) {
	values := &CommonFlagValues{Format: "text", Loader: config.NewLoader(stdin, logger)}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	values.Loader.SetupFlags(flags.FlagSet)
	flags.Alias("c", "config")
	flags.StringVar(&values.Format, "format", values.Format, "Output format: text, json or yaml")
	flags.Alias("f", "format")
	flags.BoolVar(&values.Verbose, "verbose", false, "Log debug messages on stderr")
	flags.Alias("v", "verbose")
	return flags, values
}
