// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/cfa/cloudops/sdk/go/auth"
	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Result is the response body of a single check.
type Result struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// Report is the response body of {Prefix}all.
type Report struct {
	Health string            `json:"health"`
	Checks map[string]Result `json:"checks"`
}

// Handler responds to health-check requests with JSON bodies like
// {"health":"OK"} or {"health":"ERROR","error":"error text"}.
// Unhealthy responses have status 503.
//
// {Prefix}ping is always available. {Prefix}all runs every check
// and reports each result.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	// Bearer token clients must supply. If empty, all requests
	// return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Checks by name, served at {Prefix}{name}. A "ping" entry
	// replaces the default one, which always succeeds.
	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was authenticated and
	// served, even if the health check itself failed.
	Log func(*http.Request, error)

	setupOnce sync.Once
	handler   http.Handler
}

var (
	errNotFound  = errors.New(http.StatusText(http.StatusNotFound))
	errNoToken   = errors.New(http.StatusText(http.StatusUnauthorized))
	errBadToken  = errors.New(http.StatusText(http.StatusForbidden))
	pingHealthy  = Func(func() error { return nil })
	statusHealth = map[bool]int{true: http.StatusOK, false: http.StatusServiceUnavailable}
)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.GET(prefix+":check", h.serveCheck)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.fail(w, r, http.StatusNotFound, errNotFound)
	})
	h.handler = router
}

func (h *Handler) lookup(name string) (Func, bool) {
	if fn, ok := h.Routes[name]; ok {
		return fn, true
	}
	if name == "ping" {
		return pingHealthy, true
	}
	return nil, false
}

func (h *Handler) serveCheck(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("check")
	if h.Token == "" {
		h.fail(w, r, http.StatusNotFound, errNotFound)
		return
	}
	if tok := auth.BearerToken(r); tok == "" {
		h.fail(w, r, http.StatusUnauthorized, errNoToken)
		return
	} else if tok != h.Token {
		h.fail(w, r, http.StatusForbidden, errBadToken)
		return
	}
	if name == "all" {
		h.reply(w, r, h.all())
		return
	}
	fn, ok := h.lookup(name)
	if !ok {
		h.fail(w, r, http.StatusNotFound, errNotFound)
		return
	}
	h.reply(w, r, result(fn()))
}

func (h *Handler) all() Report {
	names := []string{"ping"}
	for name := range h.Routes {
		if name != "ping" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	rep := Report{Health: "OK", Checks: map[string]Result{}}
	for _, name := range names {
		fn, _ := h.lookup(name)
		res := result(fn())
		if res.Health != "OK" {
			rep.Health = "ERROR"
		}
		rep.Checks[name] = res
	}
	return rep
}

func result(err error) Result {
	if err != nil {
		return Result{Health: "ERROR", Error: err.Error()}
	}
	return Result{Health: "OK"}
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request, v interface{}) {
	healthy := true
	switch v := v.(type) {
	case Result:
		healthy = v.Health == "OK"
	case Report:
		healthy = v.Health == "OK"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusHealth[healthy])
	err := json.NewEncoder(w).Encode(v)
	if h.Log != nil {
		h.Log(r, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	http.Error(w, err.Error(), status)
	if h.Log != nil {
		h.Log(r, err)
	}
}
