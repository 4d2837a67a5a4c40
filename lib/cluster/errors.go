// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

var kindStatus = map[error]int{
	cloudops.ErrPoolAlreadyExists:  http.StatusConflict,
	cloudops.ErrJobAlreadyExists:   http.StatusConflict,
	cloudops.ErrPoolNotFound:       http.StatusNotFound,
	cloudops.ErrJobNotFound:        http.StatusNotFound,
	cloudops.ErrUnknownDependency:  http.StatusUnprocessableEntity,
	cloudops.ErrInvalidRange:       http.StatusUnprocessableEntity,
	cloudops.ErrCyclicDependency:   http.StatusUnprocessableEntity,
	cloudops.ErrInvalidSpec:        http.StatusBadRequest,
	cloudops.ErrTimeout:            http.StatusGatewayTimeout,
	cloudops.ErrBackendUnavailable: http.StatusServiceUnavailable,
	cloudops.ErrDeploymentAborted:  http.StatusFailedDependency,
}

// httpStatus returns the response code for err.
func httpStatus(err error) int {
	if kind := cloudops.KindByName(cloudops.KindOf(err)); kind != nil {
		return kindStatus[kind]
	}
	return http.StatusInternalServerError
}

// decodeError rebuilds a classified error from a response body.
func decodeError(status int, body errorResponse) error {
	if kind := cloudops.KindByName(body.Kind); kind != nil {
		return &cloudops.Error{Kind: kind, Msg: body.Message}
	}
	if status >= 500 {
		return cloudops.Errorf(cloudops.ErrBackendUnavailable, "%d %s: %s", status, http.StatusText(status), body.Message)
	}
	return fmt.Errorf("%d %s: %s", status, http.StatusText(status), body.Message)
}

// stripKind removes the "Kind: " prefix an *Error adds, so the
// message isn't doubled when the client rebuilds it.
func stripKind(err error) string {
	var cerr *cloudops.Error
	if errors.As(err, &cerr) {
		msg := cerr.Msg
		if cerr.Err != nil {
			if msg != "" {
				msg += ": "
			}
			msg += cerr.Err.Error()
		}
		return msg
	}
	return err.Error()
}
