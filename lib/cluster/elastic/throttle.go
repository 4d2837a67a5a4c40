// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cfa/cloudops/lib/cloud"
	"github.com/sirupsen/logrus"
)

// quotaHoldoff is how long node creation stays suspended after the
// provider reports a quota error.
var quotaHoldoff = time.Minute

// throttle suspends a class of cloud API calls for a while.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// checkError suspends calls if err is a cloud.RateLimitError or a
// cloud.QuotaError, and reports whether it was either.
func (thr *throttle) checkError(err error, logger logrus.FieldLogger, callType string) bool {
	var until time.Time
	var rle cloud.RateLimitError
	var qe cloud.QuotaError
	switch {
	case errors.As(err, &rle):
		until = rle.EarliestRetry()
	case errors.As(err, &qe) && qe.IsQuotaError():
		until = time.Now().Add(quotaHoldoff)
	default:
		return false
	}
	dur := time.Until(until)
	if dur <= 0 {
		return true
	}
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).WithError(err).Info("suspending cloud calls")
	thr.errorUntil(fmt.Errorf("%s calls are suspended for %s, until %s", callType, dur.Round(time.Second), until.Format(time.RFC3339)), until)
	return true
}

func (thr *throttle) errorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

// Error returns a non-nil error while calls are suspended.
func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
