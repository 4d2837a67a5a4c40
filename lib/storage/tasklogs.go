// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// Object names of a task's saved output, under sink.TaskPrefix(id).
const (
	StdoutName = "stdout.txt"
	StderrName = "stderr.txt"
)

// SaveTaskOutput uploads a task's stdout and stderr to the log sink.
// Both files are attempted even if one fails.
func SaveTaskOutput(ctx context.Context, st Store, sink cloudops.LogSink, id cloudops.TaskID, stdout, stderr []byte) error {
	sink = sink.Normalize()
	dir, err := os.MkdirTemp("", "cloudops-logs-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	var errs []error
	for _, f := range []struct {
		name string
		data []byte
	}{{StdoutName, stdout}, {StderrName, stderr}} {
		local := filepath.Join(dir, f.name)
		if err := os.WriteFile(local, f.data, 0600); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := st.Upload(ctx, local, sink.Container, sink.TaskPrefix(id)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
