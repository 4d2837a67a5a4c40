// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"time"
)

// Recurrence describes when a schedule creates jobs. Either Interval
// (repeat) or StartWindow (one shot) is set, not both.
type Recurrence struct {
	Interval      Duration  `json:"interval,omitempty"`
	StartWindow   Duration  `json:"start_window,omitempty"`
	DoNotRunUntil time.Time `json:"do_not_run_until,omitempty"`
	DoNotRunAfter time.Time `json:"do_not_run_after,omitempty"`
}

// JobSchedule is a recurring job template. Firing is done
// elsewhere; here it is only validated and stored.
type JobSchedule struct {
	Name       string     `json:"name"`
	Template   Job        `json:"template"`
	Recurrence Recurrence `json:"recurrence"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ScheduleSpec is the caller's description of a job schedule.
type ScheduleSpec struct {
	Name       string     `json:"name"`
	Job        JobSpec    `json:"job"`
	Recurrence Recurrence `json:"recurrence"`
	ExistOK    bool       `json:"exist_ok"`
}

// MinScheduleInterval is the shortest accepted recurrence interval.
const MinScheduleInterval = Duration(time.Minute)

// Validate checks the recurrence bounds relative to now.
func (r Recurrence) Validate(now time.Time) error {
	if r.Interval == 0 && r.StartWindow == 0 {
		return Errorf(ErrInvalidSpec, "recurrence needs an interval or a start window")
	}
	if r.Interval != 0 && r.StartWindow != 0 {
		return Errorf(ErrInvalidSpec, "recurrence interval and start window are mutually exclusive")
	}
	if r.Interval < 0 || r.StartWindow < 0 {
		return Errorf(ErrInvalidSpec, "recurrence durations must be positive")
	}
	if r.Interval != 0 && r.Interval < MinScheduleInterval {
		return Errorf(ErrInvalidSpec, "recurrence interval %s is shorter than %s", r.Interval, MinScheduleInterval)
	}
	if !r.DoNotRunUntil.IsZero() && !r.DoNotRunAfter.IsZero() && !r.DoNotRunUntil.Before(r.DoNotRunAfter) {
		return Errorf(ErrInvalidSpec, "do_not_run_until (%s) must be before do_not_run_after (%s)", r.DoNotRunUntil.Format(time.RFC3339), r.DoNotRunAfter.Format(time.RFC3339))
	}
	if !r.DoNotRunAfter.IsZero() && !r.DoNotRunAfter.After(now) {
		return Errorf(ErrInvalidSpec, "do_not_run_after (%s) is in the past", r.DoNotRunAfter.Format(time.RFC3339))
	}
	return nil
}
