// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscale

import (
	"sync"
	"time"
)

// Sampler keeps the pending task counts seen during the last Window.
type Sampler struct {
	Window   time.Duration
	Interval time.Duration

	mtx     sync.Mutex
	samples []sample
}

type sample struct {
	at      time.Time
	pending int
}

// Record adds an observation and discards observations older than
// the window.
func (s *Sampler) Record(at time.Time, pending int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.samples = append(s.samples, sample{at: at, pending: pending})
	cutoff := at.Add(-s.Window)
	drop := 0
	for drop < len(s.samples) && s.samples[drop].at.Before(cutoff) {
		drop++
	}
	s.samples = s.samples[drop:]
}

// Fill sets the sample fields of m from the recorded observations.
func (s *Sampler) Fill(m *Metrics) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m.Samples = make([]int, len(s.samples))
	for i, smp := range s.samples {
		m.Samples[i] = smp.pending
	}
	if s.Interval > 0 {
		m.ExpectedSamples = int(s.Window / s.Interval)
	}
}
