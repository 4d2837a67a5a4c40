// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-Id"

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one. The same ID is
// sent back in the response headers.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = "req-" + uuid.NewString()
			req.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		h.ServeHTTP(w, req)
	})
}
