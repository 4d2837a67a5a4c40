// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds. ISO 8601 forms like "PT5M" are accepted
// too.
type Duration time.Duration

var iso8601Duration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses a Go duration string ("1h30m") or an ISO 8601
// duration without year/month parts ("PT5M", "P1DT2H").
func ParseDuration(s string) (Duration, error) {
	if len(s) > 0 && s[0] == 'P' {
		m := iso8601Duration.FindStringSubmatch(s)
		if m == nil || s == "P" || s == "PT" {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
		}
		var d time.Duration
		for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
			if m[i+1] != "" {
				n, _ := strconv.Atoi(m[i+1])
				d += time.Duration(n) * unit
			}
		}
		if m[4] != "" {
			f, _ := strconv.ParseFloat(m[4], 64)
			d += time.Duration(f * float64(time.Second))
		}
		return Duration(d), nil
	}
	d, err := time.ParseDuration(s)
	return Duration(d), err
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' {
		dur, err := ParseDuration(string(data[1 : len(data)-1]))
		*d = dur
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\", \"1h30m\" or \"PT5M\"")
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Minutes converts a whole number of minutes to a Duration.
func Minutes(n int) Duration {
	return Duration(time.Duration(n) * time.Minute)
}
