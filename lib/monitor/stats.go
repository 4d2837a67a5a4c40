// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cfa/cloudops/lib/backend"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// StatsColumns is the header row of the statistics export.
var StatsColumns = []string{"task_id", "command", "creation", "start", "end", "runtime", "exit_code", "pool", "node_id"}

const statsTimeFormat = "2006-01-02 15:04:05"

// StatsFileName returns the default statistics file name for a job.
func StatsFileName(job string) string {
	return job + "-stats.csv"
}

// DownloadJobStats writes one '|'-delimited row per task of the job
// to file (StatsFileName(job) if empty) and returns the file name.
func DownloadJobStats(ctx context.Context, runner backend.Runner, job, file string) (string, error) {
	if file == "" {
		file = StatsFileName(job)
	}
	snap, err := runner.Status(ctx, job)
	if err != nil {
		return "", err
	}
	f, err := os.Create(file)
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(f)
	w.Comma = '|'
	w.Write(StatsColumns)
	for _, t := range snap.Tasks {
		w.Write(statsRow(t))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", err
	}
	var size int64
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Job":   job,
		"File":  file,
		"Tasks": len(snap.Tasks),
		"Size":  humanize.Bytes(uint64(size)),
	}).Info("wrote job statistics")
	return file, nil
}

func statsRow(t cloudops.Task) []string {
	ex := t.Execution
	row := []string{
		string(t.ID),
		programPart(t.CommandLine),
		formatTime(ex.CreatedAt),
		formatTime(ex.StartTime),
		formatTime(ex.EndTime),
		"",
		"",
		ex.Pool,
		ex.NodeID,
	}
	if !ex.StartTime.IsZero() && !ex.EndTime.IsZero() {
		row[5] = ex.EndTime.Sub(ex.StartTime).Round(time.Millisecond).String()
	}
	if ex.ExitCode != nil {
		row[6] = strconv.Itoa(*ex.ExitCode)
	}
	return row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(statsTimeFormat)
}

// programPart returns the words of a command line that come before
// its first option, e.g. "python3 model.py" for "python3 model.py
// --seed 4".
func programPart(cmdline string) string {
	words, err := shlex.Split(cmdline)
	if err != nil {
		prog, _, _ := strings.Cut(cmdline, " -")
		return strings.TrimSpace(prog)
	}
	var prog []string
	for _, w := range words {
		if strings.HasPrefix(w, "-") {
			break
		}
		prog = append(prog, w)
	}
	return strings.Join(prog, " ")
}
