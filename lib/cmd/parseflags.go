// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f and reports whether the program
// should go on running. When ok is false, exitCode is 0 if help was
// requested and 2 after a usage error; the message has already been
// written to stderr.
//
// positional is printed after "[options]" in the usage line. If it
// is empty, leftover non-flag arguments are a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(f, prog, positional, stderr)
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try --help)\n", err)
		return false, 2
	} else if positional == "" && f.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try --help)\n", f.Args())
		return false, 2
	}
	return true, 0
}

// CheckArgCount checks the number of positional arguments left after
// ParseFlags. A negative max means no upper limit. On failure it
// prints the usage line and returns exit code 2.
func CheckArgCount(f FlagSet, prog, positional string, min, max int, stderr io.Writer) (ok bool, exitCode int) {
	if n := f.NArg(); n < min || (max >= 0 && n > max) {
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, w io.Writer) {
	if positional == "" {
		fmt.Fprintf(w, "Usage: %s [options]\n", prog)
	} else {
		fmt.Fprintf(w, "Usage: %s [options] %s\n", prog, positional)
	}
	f.SetOutput(w)
	f.PrintDefaults()
}
