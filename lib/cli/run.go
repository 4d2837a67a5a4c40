// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cfa/cloudops/lib/automation"
	"github.com/cfa/cloudops/lib/monitor"
	"rsc.io/getopt"
)

// Run carries out an automation document. Relative paths in the
// document are resolved against the document's directory. It exits
// 1 if the document asked for the job to be monitored and the job
// did not fully succeed.
var Run = command{
	positional: "document.yaml",
	minArgs:    1,
	maxArgs:    1,
	setup: func(flags *getopt.FlagSet) runFunc {
		return func(ctx context.Context, env *env, args []string) (interface{}, error) {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return nil, err
			}
			doc, err := automation.Load(path)
			if err != nil {
				return nil, err
			}
			report, err := env.client.RunDocument(ctx, doc, filepath.Dir(path))
			if err != nil {
				return nil, err
			}
			if report.Monitor != nil && report.Monitor.Outcome != monitor.Completed {
				return (*runReport)(report), exitStatus(1)
			}
			return (*runReport)(report), nil
		}
	},
}

type runReport automation.Report

func (rr *runReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %d tasks submitted", rr.Job, len(rr.TaskIDs))
	if len(rr.Uploaded) > 0 {
		fmt.Fprintf(&b, ", %d files uploaded", len(rr.Uploaded))
	}
	b.WriteString("\n")
	if rr.Monitor != nil {
		fmt.Fprintln(&b, rr.Monitor.Summary())
	}
	return b.String()
}
