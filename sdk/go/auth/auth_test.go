// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	srv  *httptest.Server
	mtx  sync.Mutex
	reqs []string
	form []map[string][]string
}

func (s *suite) SetUpTest(c *check.C) {
	s.reqs = nil
	s.form = nil
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		s.mtx.Lock()
		s.reqs = append(s.reqs, r.URL.Path)
		s.form = append(s.form, r.PostForm)
		n := len(s.reqs)
		s.mtx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		now := time.Now().Unix()
		fmt.Fprintf(w, `{"token_type":"Bearer","expires_in":"3600","ext_expires_in":"3600","expires_on":"%d","not_before":"%d","resource":"https://batch.core.windows.net/","access_token":"tok-%d"}`, now+3600, now, n)
	}))
}

func (s *suite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *suite) TestNone(c *check.C) {
	p, err := NewProvider(cloudops.CredentialConfig{Mode: ModeNone})
	c.Assert(err, check.IsNil)
	cred, err := p.GetToken(context.Background())
	c.Check(err, check.IsNil)
	c.Check(cred.Token, check.Equals, "")
	c.Check(p.Mode(), check.Equals, ModeNone)
}

func (s *suite) TestUnknownMode(c *check.C) {
	_, err := NewProvider(cloudops.CredentialConfig{Mode: "kerberos"})
	c.Check(err, check.ErrorMatches, `unknown credential mode.*`)
}

func (s *suite) TestServicePrincipal(c *check.C) {
	p, err := NewProvider(cloudops.CredentialConfig{
		Mode:          ModeServicePrincipal,
		TenantID:      "tenant1",
		ClientID:      "client1",
		ClientSecret:  "secret1",
		AuthorityHost: s.srv.URL,
	})
	c.Assert(err, check.IsNil)
	cred, err := p.GetToken(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(cred.Token, check.Equals, "tok-1")
	c.Check(cred.Valid(time.Now()), check.Equals, true)
	c.Assert(s.reqs, check.HasLen, 1)
	c.Check(s.reqs[0], check.Equals, "/tenant1/oauth2/token")
	c.Check(s.form[0]["client_id"], check.DeepEquals, []string{"client1"})
	c.Check(s.form[0]["client_secret"], check.DeepEquals, []string{"secret1"})

	// A fresh token is reused.
	cred, err = p.GetToken(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(cred.Token, check.Equals, "tok-1")
	c.Check(s.reqs, check.HasLen, 1)
}

func (s *suite) TestServicePrincipalMissingSecret(c *check.C) {
	os.Unsetenv("AZURE_CLIENT_SECRET")
	_, err := NewProvider(cloudops.CredentialConfig{
		Mode:     ModeServicePrincipal,
		TenantID: "tenant1",
		ClientID: "client1",
	})
	c.Check(err, check.ErrorMatches, `.*need TenantID, ClientID and ClientSecret.*`)
}

func (s *suite) TestFederated(c *check.C) {
	tokenFile := filepath.Join(c.MkDir(), "token")
	c.Assert(os.WriteFile(tokenFile, []byte("assertion-1\n"), 0600), check.IsNil)
	p, err := NewProvider(cloudops.CredentialConfig{
		Mode:               ModeFederated,
		TenantID:           "tenant1",
		ClientID:           "client1",
		FederatedTokenFile: tokenFile,
		AuthorityHost:      s.srv.URL + "/",
	})
	c.Assert(err, check.IsNil)
	cred, err := p.GetToken(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(cred.Token, check.Equals, "tok-1")
	c.Assert(s.reqs, check.HasLen, 1)
	c.Check(s.reqs[0], check.Equals, "/tenant1/oauth2/v2.0/token")
	c.Check(s.form[0]["client_assertion"], check.DeepEquals, []string{"assertion-1"})
	c.Check(s.form[0]["client_assertion_type"], check.DeepEquals, []string{clientAssertionType})
	c.Check(s.form[0]["scope"], check.DeepEquals, []string{"https://batch.core.windows.net/.default"})

	// The token file is re-read on each exchange.
	c.Assert(os.WriteFile(tokenFile, []byte("assertion-2"), 0600), check.IsNil)
	_, err = p.GetToken(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(s.form[1]["client_assertion"], check.DeepEquals, []string{"assertion-2"})
}

func (s *suite) TestFederatedUnavailable(c *check.C) {
	p, err := NewProvider(cloudops.CredentialConfig{
		Mode:               ModeFederated,
		TenantID:           "tenant1",
		ClientID:           "client1",
		FederatedTokenFile: filepath.Join(c.MkDir(), "missing"),
	})
	c.Assert(err, check.IsNil)
	_, err = p.GetToken(context.Background())
	c.Check(errors.Is(err, cloudops.ErrBackendUnavailable), check.Equals, true)
}

func (s *suite) TestRequireLiteralToken(c *check.C) {
	h := RequireLiteralToken("sekrit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for _, trial := range []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusForbidden},
		{"Bearer sekrit", http.StatusTeapot},
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if trial.header != "" {
			req.Header.Set("Authorization", trial.header)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.status, check.Commentf("%q", trial.header))
	}
	c.Check(RequireLiteralToken("", http.NotFoundHandler()), check.NotNil)
}
