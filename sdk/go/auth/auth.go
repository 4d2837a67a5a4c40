// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth obtains bearer tokens for the remote cluster and
// storage services.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	azureauth "github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/cfa/cloudops/sdk/go/cloudops"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	ModeNone             = "none"
	ModeManagedIdentity  = "managed-identity"
	ModeServicePrincipal = "service-principal"
	ModeFederated        = "federated"

	DefaultResource = "https://batch.core.windows.net/"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// Credential is a bearer token and its expiry.
type Credential struct {
	Token     string
	ExpiresOn time.Time
}

// Valid reports whether the token is set and not about to expire.
func (cr Credential) Valid(now time.Time) bool {
	return cr.Token != "" && (cr.ExpiresOn.IsZero() || cr.ExpiresOn.After(now.Add(time.Minute)))
}

// A Provider produces credentials. Errors are classified as
// cloudops.ErrBackendUnavailable.
type Provider interface {
	GetToken(ctx context.Context) (Credential, error)
	Mode() string
}

// NewProvider returns the provider selected by cfg.Mode. Unset
// tenant/client fields are taken from the AZURE_* environment
// variables.
func NewProvider(cfg cloudops.CredentialConfig) (Provider, error) {
	cfg, err := fillFromEnvironment(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	env := azure.PublicCloud
	if cfg.Environment != "" {
		env, err = azure.EnvironmentFromName(cfg.Environment)
		if err != nil {
			return nil, err
		}
	}
	authority := cfg.AuthorityHost
	if authority == "" {
		authority = env.ActiveDirectoryEndpoint
	}
	if !strings.HasSuffix(authority, "/") {
		authority += "/"
	}
	switch cfg.Mode {
	case ModeNone, "":
		return staticProvider{}, nil
	case ModeManagedIdentity:
		spt, err := adal.NewServicePrincipalTokenFromManagedIdentity(cfg.Resource, &adal.ManagedIdentityOptions{ClientID: cfg.ClientID})
		if err != nil {
			return nil, fmt.Errorf("managed identity: %w", err)
		}
		return &adalProvider{mode: cfg.Mode, spt: spt}, nil
	case ModeServicePrincipal:
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("service principal credentials need TenantID, ClientID and ClientSecret")
		}
		oauthConfig, err := adal.NewOAuthConfig(authority, cfg.TenantID)
		if err != nil {
			return nil, err
		}
		spt, err := adal.NewServicePrincipalToken(*oauthConfig, cfg.ClientID, cfg.ClientSecret, cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("service principal: %w", err)
		}
		return &adalProvider{mode: cfg.Mode, spt: spt}, nil
	case ModeFederated:
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.FederatedTokenFile == "" {
			return nil, fmt.Errorf("federated credentials need TenantID, ClientID and FederatedTokenFile")
		}
		return &federatedProvider{
			tokenFile: cfg.FederatedTokenFile,
			config: clientcredentials.Config{
				ClientID:  cfg.ClientID,
				TokenURL:  authority + cfg.TenantID + "/oauth2/v2.0/token",
				Scopes:    []string{strings.TrimSuffix(cfg.Resource, "/") + "/.default"},
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown credential mode %q", cfg.Mode)
	}
}

func fillFromEnvironment(cfg cloudops.CredentialConfig) (cloudops.CredentialConfig, error) {
	settings, err := azureauth.GetSettingsFromEnvironment()
	if err != nil {
		return cfg, err
	}
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = settings.Values[key]
		}
	}
	fill(&cfg.TenantID, azureauth.TenantID)
	fill(&cfg.ClientID, azureauth.ClientID)
	fill(&cfg.ClientSecret, azureauth.ClientSecret)
	if cfg.FederatedTokenFile == "" {
		cfg.FederatedTokenFile = os.Getenv("AZURE_FEDERATED_TOKEN_FILE")
	}
	if cfg.AuthorityHost == "" {
		cfg.AuthorityHost = os.Getenv("AZURE_AUTHORITY_HOST")
	}
	return cfg, nil
}

type staticProvider struct{}

func (staticProvider) GetToken(context.Context) (Credential, error) { return Credential{}, nil }
func (staticProvider) Mode() string                                 { return ModeNone }

type adalProvider struct {
	mode string
	spt  *adal.ServicePrincipalToken
}

func (p *adalProvider) Mode() string { return p.mode }

func (p *adalProvider) GetToken(ctx context.Context) (Credential, error) {
	if err := p.spt.EnsureFreshWithContext(ctx); err != nil {
		return Credential{}, cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "%s token", p.mode)
	}
	tok := p.spt.Token()
	return Credential{Token: tok.AccessToken, ExpiresOn: tok.Expires()}, nil
}

type federatedProvider struct {
	tokenFile string
	config    clientcredentials.Config
}

func (p *federatedProvider) Mode() string { return ModeFederated }

// GetToken exchanges the current contents of the federated token
// file (which the platform rotates) for an access token.
func (p *federatedProvider) GetToken(ctx context.Context) (Credential, error) {
	assertion, err := os.ReadFile(p.tokenFile)
	if err != nil {
		return Credential{}, cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "federated token file")
	}
	cfg := p.config
	cfg.EndpointParams = map[string][]string{
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {strings.TrimSpace(string(assertion))},
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return Credential{}, cloudops.WrapError(cloudops.ErrBackendUnavailable, err, "federated token exchange")
	}
	return Credential{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}
