// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/cfa/cloudops/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via the logger in the request context. The handler sees
// a context logger that includes the request ID.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		tStart := time.Now()
		w := &responseTimer{ResponseWriter: WrapResponseWriter(wrapped)}
		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Debug("request")
		defer logResponse(w, lgr, tStart)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w *responseTimer, lgr logrus.FieldLogger, tStart time.Time) {
	tDone := time.Now()
	fields := logrus.Fields{
		"timeTotal": seconds(tDone.Sub(tStart)),
	}
	if w.wrote {
		fields["timeToStatus"] = seconds(w.writeTime.Sub(tStart))
		fields["timeWriteBody"] = seconds(tDone.Sub(w.writeTime))
	}
	respCode := w.WroteStatus()
	if respCode == 0 {
		respCode = http.StatusOK
	}
	fields["respStatusCode"] = respCode
	fields["respStatus"] = http.StatusText(respCode)
	fields["respBytes"] = w.WroteBodyBytes()
	if respCode >= 400 {
		fields["respBody"] = string(w.Sniffed())
	}
	lgr = lgr.WithFields(fields)
	if respCode >= 500 {
		lgr.Warn("response")
	} else {
		lgr.Info("response")
	}
}

// seconds rounds to microseconds for readable log entries.
func seconds(d time.Duration) float64 {
	return d.Round(time.Microsecond).Seconds()
}

type responseTimer struct {
	ResponseWriter
	wrote     bool
	writeTime time.Time
}

func (rt *responseTimer) WriteHeader(code int) {
	if !rt.wrote {
		rt.wrote = true
		rt.writeTime = time.Now()
	}
	rt.ResponseWriter.WriteHeader(code)
}

func (rt *responseTimer) Write(p []byte) (int, error) {
	if !rt.wrote {
		rt.wrote = true
		rt.writeTime = time.Now()
	}
	return rt.ResponseWriter.Write(p)
}
