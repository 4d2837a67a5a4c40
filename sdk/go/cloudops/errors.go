// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is(err, ErrPoolNotFound) etc. to classify
// an error returned by any cloudops operation.
var (
	ErrPoolAlreadyExists  = errors.New("PoolAlreadyExists")
	ErrPoolNotFound       = errors.New("PoolNotFound")
	ErrJobAlreadyExists   = errors.New("JobAlreadyExists")
	ErrJobNotFound        = errors.New("JobNotFound")
	ErrUnknownDependency  = errors.New("UnknownDependency")
	ErrInvalidRange       = errors.New("InvalidRange")
	ErrCyclicDependency   = errors.New("CyclicDependency")
	ErrTimeout            = errors.New("Timeout")
	ErrBackendUnavailable = errors.New("BackendUnavailable")
	ErrDeploymentAborted  = errors.New("DeploymentAborted")
	ErrInvalidSpec        = errors.New("InvalidSpec")
)

var kinds = []error{
	ErrPoolAlreadyExists,
	ErrPoolNotFound,
	ErrJobAlreadyExists,
	ErrJobNotFound,
	ErrUnknownDependency,
	ErrInvalidRange,
	ErrCyclicDependency,
	ErrTimeout,
	ErrBackendUnavailable,
	ErrDeploymentAborted,
	ErrInvalidSpec,
}

// Error is a classified error: Kind is one of the Err* sentinels,
// Err (optional) is the underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf returns an *Error of the given kind with a formatted message.
func Errorf(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error of the given kind wrapping cause.
func WrapError(kind error, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the name of the first known kind err matches, or ""
// if it matches none.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

// KindByName is the inverse of KindOf. It returns nil for an unknown
// name.
func KindByName(name string) error {
	for _, k := range kinds {
		if k.Error() == name {
			return k
		}
	}
	return nil
}
