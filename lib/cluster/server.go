// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cfa/cloudops/sdk/go/auth"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the client's request ID, which the server
// adds to its log entries.
const RequestIDHeader = "X-Request-Id"

// Server exposes a Service over HTTP.
type Server struct {
	Service  Service
	Token    string
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger

	setupOnce sync.Once
	handler   http.Handler
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.setupOnce.Do(srv.setup)
	srv.handler.ServeHTTP(w, r)
}

func (srv *Server) setup() {
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/v1/pools", srv.createPool)
	mux.HandlerFunc("GET", "/v1/pools", srv.listPools)
	mux.HandlerFunc("GET", "/v1/pools/:name", srv.getPool)
	mux.HandlerFunc("DELETE", "/v1/pools/:name", srv.deletePool)
	mux.HandlerFunc("GET", "/v1/images", srv.listNodeImages)
	mux.HandlerFunc("POST", "/v1/jobs", srv.createJob)
	mux.HandlerFunc("GET", "/v1/jobs/:name", srv.getJob)
	mux.HandlerFunc("DELETE", "/v1/jobs/:name", srv.deleteJob)
	mux.HandlerFunc("POST", "/v1/jobs/:name/terminate", srv.terminateJob)
	mux.HandlerFunc("POST", "/v1/jobs/:name/tasks", srv.addTasks)
	mux.HandlerFunc("GET", "/v1/jobs/:name/tasks", srv.listTasks)
	mux.HandlerFunc("POST", "/v1/schedules", srv.createJobSchedule)
	mux.HandlerFunc("GET", "/v1/schedules/:name", srv.getJobSchedule)
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, map[string]string{"health": "OK"})
	})
	if srv.Registry != nil {
		mux.Handler("GET", "/metrics", promhttp.HandlerFor(srv.Registry, promhttp.HandlerOpts{
			ErrorLog: srv.Logger,
		}))
	}
	if srv.Token == "" {
		srv.handler = srv.logRequests(mux)
	} else {
		srv.handler = srv.logRequests(auth.RequireLiteralToken(srv.Token, mux))
	}
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := srv.Logger.WithFields(logrus.Fields{
			"RequestID": r.Header.Get(RequestIDHeader),
			"Method":    r.Method,
			"Path":      r.URL.Path,
		})
		logger.Debug("request")
		next.ServeHTTP(w, r.WithContext(ctxlog.Context(r.Context(), logger)))
	})
}

func sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		ctxlog.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Kind:    cloudops.KindOf(err),
		Message: stripKind(err),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(w, r, cloudops.WrapError(cloudops.ErrInvalidSpec, err, "decoding request body"))
		return false
	}
	return true
}

func param(r *http.Request, name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

// reply sends v, or err if it is not nil.
func reply(w http.ResponseWriter, r *http.Request, v interface{}, err error) {
	if err != nil {
		sendError(w, r, err)
	} else if v == nil {
		w.WriteHeader(http.StatusNoContent)
	} else {
		sendJSON(w, v)
	}
}

type itemList[T any] struct {
	Items []T `json:"items"`
}

func (srv *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var pool cloudops.Pool
	if decode(w, r, &pool) {
		pool, err := srv.Service.CreatePool(r.Context(), pool)
		reply(w, r, pool, err)
	}
}

func (srv *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := srv.Service.ListPools(r.Context())
	reply(w, r, itemList[cloudops.Pool]{pools}, err)
}

func (srv *Server) getPool(w http.ResponseWriter, r *http.Request) {
	pool, err := srv.Service.GetPool(r.Context(), param(r, "name"))
	reply(w, r, pool, err)
}

func (srv *Server) deletePool(w http.ResponseWriter, r *http.Request) {
	reply(w, r, nil, srv.Service.DeletePool(r.Context(), param(r, "name")))
}

func (srv *Server) listNodeImages(w http.ResponseWriter, r *http.Request) {
	images, err := srv.Service.ListNodeImages(r.Context())
	reply(w, r, itemList[cloudops.ImageRef]{images}, err)
}

func (srv *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job cloudops.Job
	if decode(w, r, &job) {
		job, err := srv.Service.CreateJob(r.Context(), job)
		reply(w, r, job, err)
	}
}

func (srv *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.Service.GetJob(r.Context(), param(r, "name"))
	reply(w, r, job, err)
}

func (srv *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	reply(w, r, nil, srv.Service.DeleteJob(r.Context(), param(r, "name")))
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (srv *Server) terminateJob(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if decode(w, r, &req) {
		reply(w, r, nil, srv.Service.TerminateJob(r.Context(), param(r, "name"), req.Reason))
	}
}

func (srv *Server) addTasks(w http.ResponseWriter, r *http.Request) {
	var req itemList[cloudops.Task]
	if decode(w, r, &req) {
		reply(w, r, nil, srv.Service.AddTasks(r.Context(), param(r, "name"), req.Items))
	}
}

func (srv *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := srv.Service.ListTasks(r.Context(), param(r, "name"))
	reply(w, r, itemList[cloudops.Task]{tasks}, err)
}

func (srv *Server) createJobSchedule(w http.ResponseWriter, r *http.Request) {
	var sched cloudops.JobSchedule
	if decode(w, r, &sched) {
		sched, err := srv.Service.CreateJobSchedule(r.Context(), sched)
		reply(w, r, sched, err)
	}
}

func (srv *Server) getJobSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := srv.Service.GetJobSchedule(r.Context(), param(r, "name"))
	reply(w, r, sched, err)
}
