// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cfa/cloudops/sdk/go/auth"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Client is a Service that talks to a Server.
type Client struct {
	// Server root URL, e.g. "https://cluster.example:8443"
	BaseURL string
	// Static bearer token, used when Credentials is nil or
	// returns an empty token.
	Token       string
	Credentials auth.Provider
	Logger      logrus.FieldLogger

	http *retryablehttp.Client
}

var _ Service = (*Client)(nil)

// NewClient returns a client that retries failed requests up to
// retries times, giving up on each attempt after timeout.
func NewClient(baseURL, token string, creds auth.Provider, retries int, timeout time.Duration, logger logrus.FieldLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	// Return the last response instead of a generic error, so the
	// caller can decode its error kind.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		Token:       token,
		Credentials: creds,
		Logger:      logger,
		http:        rc,
	}
}

func (cl *Client) token(ctx context.Context) (string, error) {
	if cl.Credentials != nil {
		cred, err := cl.Credentials.GetToken(ctx)
		if err != nil {
			return "", err
		}
		if cred.Token != "" {
			return cred.Token, nil
		}
	}
	return cl.Token, nil
}

// do sends a request with an optional JSON body, and decodes the
// JSON response into dst (if not nil).
func (cl *Client) do(ctx context.Context, method, path string, body, dst interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, cl.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := cl.token(ctx)
	if err != nil {
		return err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := cl.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errbody errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errbody); err != nil {
			errbody.Message = fmt.Sprintf("(error decoding response body: %s)", err)
		}
		if cl.Logger != nil {
			cl.Logger.WithFields(logrus.Fields{
				"RequestID": reqID,
				"Status":    resp.StatusCode,
				"Kind":      errbody.Kind,
			}).Debug("request failed")
		}
		return decodeError(resp.StatusCode, errbody)
	}
	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding response to %s %s: %w", method, path, err)
	}
	return nil
}

func escape(name string) string {
	return url.PathEscape(name)
}

func (cl *Client) CreatePool(ctx context.Context, pool cloudops.Pool) (cloudops.Pool, error) {
	var out cloudops.Pool
	err := cl.do(ctx, "POST", "/v1/pools", pool, &out)
	return out, err
}

func (cl *Client) GetPool(ctx context.Context, name string) (cloudops.Pool, error) {
	var out cloudops.Pool
	err := cl.do(ctx, "GET", "/v1/pools/"+escape(name), nil, &out)
	return out, err
}

func (cl *Client) ListPools(ctx context.Context) ([]cloudops.Pool, error) {
	var out itemList[cloudops.Pool]
	err := cl.do(ctx, "GET", "/v1/pools", nil, &out)
	return out.Items, err
}

func (cl *Client) DeletePool(ctx context.Context, name string) error {
	return cl.do(ctx, "DELETE", "/v1/pools/"+escape(name), nil, nil)
}

func (cl *Client) ListNodeImages(ctx context.Context) ([]cloudops.ImageRef, error) {
	var out itemList[cloudops.ImageRef]
	err := cl.do(ctx, "GET", "/v1/images", nil, &out)
	return out.Items, err
}

func (cl *Client) CreateJob(ctx context.Context, job cloudops.Job) (cloudops.Job, error) {
	var out cloudops.Job
	err := cl.do(ctx, "POST", "/v1/jobs", job, &out)
	return out, err
}

func (cl *Client) GetJob(ctx context.Context, name string) (cloudops.Job, error) {
	var out cloudops.Job
	err := cl.do(ctx, "GET", "/v1/jobs/"+escape(name), nil, &out)
	return out, err
}

func (cl *Client) DeleteJob(ctx context.Context, name string) error {
	return cl.do(ctx, "DELETE", "/v1/jobs/"+escape(name), nil, nil)
}

func (cl *Client) TerminateJob(ctx context.Context, name, reason string) error {
	return cl.do(ctx, "POST", "/v1/jobs/"+escape(name)+"/terminate", terminateRequest{Reason: reason}, nil)
}

func (cl *Client) CreateJobSchedule(ctx context.Context, sched cloudops.JobSchedule) (cloudops.JobSchedule, error) {
	var out cloudops.JobSchedule
	err := cl.do(ctx, "POST", "/v1/schedules", sched, &out)
	return out, err
}

func (cl *Client) GetJobSchedule(ctx context.Context, name string) (cloudops.JobSchedule, error) {
	var out cloudops.JobSchedule
	err := cl.do(ctx, "GET", "/v1/schedules/"+escape(name), nil, &out)
	return out, err
}

func (cl *Client) AddTasks(ctx context.Context, job string, tasks []cloudops.Task) error {
	return cl.do(ctx, "POST", "/v1/jobs/"+escape(job)+"/tasks", itemList[cloudops.Task]{tasks}, nil)
}

func (cl *Client) ListTasks(ctx context.Context, job string) ([]cloudops.Task, error) {
	var out itemList[cloudops.Task]
	err := cl.do(ctx, "GET", "/v1/jobs/"+escape(job)+"/tasks", nil, &out)
	return out.Items, err
}
