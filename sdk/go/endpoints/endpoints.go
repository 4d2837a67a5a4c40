// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package endpoints builds service URLs from account names.
package endpoints

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/go-autorest/autorest/azure"
)

// Resolver builds endpoint URLs for one cloud environment.
type Resolver struct {
	env         azure.Environment
	batchDomain string
}

var batchDomains = map[string]string{
	azure.PublicCloud.Name:       "batch.azure.com",
	azure.USGovernmentCloud.Name: "batch.usgovcloudapi.net",
	azure.ChinaCloud.Name:        "batch.chinacloudapi.cn",
}

// NewResolver returns a resolver for the named environment
// (e.g. "AzurePublicCloud"). An empty name means the public cloud.
func NewResolver(envName string) (*Resolver, error) {
	env := azure.PublicCloud
	if envName != "" {
		var err error
		env, err = azure.EnvironmentFromName(envName)
		if err != nil {
			return nil, err
		}
	}
	domain, ok := batchDomains[env.Name]
	if !ok {
		domain = batchDomains[azure.PublicCloud.Name]
	}
	return &Resolver{env: env, batchDomain: domain}, nil
}

// Environment returns the underlying environment table.
func (r *Resolver) Environment() azure.Environment {
	return r.env
}

func httpsURL(host, path string) string {
	return (&url.URL{Scheme: "https", Host: host, Path: path}).String()
}

// Batch returns the endpoint of a batch account in a location.
func (r *Resolver) Batch(account, location string) string {
	return httpsURL(account+"."+location+"."+r.batchDomain, "/")
}

// BlobAccount returns the blob service endpoint of a storage account.
func (r *Resolver) BlobAccount(account string) string {
	return httpsURL(account+".blob."+r.env.StorageEndpointSuffix, "/")
}

// BlobContainer returns the endpoint of a container in a storage
// account.
func (r *Resolver) BlobContainer(container, account string) string {
	return httpsURL(account+".blob."+r.env.StorageEndpointSuffix, "/"+container)
}

// ContainerRegistry returns the endpoint of a container registry.
func (r *Resolver) ContainerRegistry(account string) string {
	return httpsURL(account+"."+r.env.ContainerRegistryDNSSuffix, "")
}

// KeyVault returns the endpoint of a key vault.
func (r *Resolver) KeyVault(name string) string {
	return httpsURL(name+"."+r.env.KeyVaultDNSSuffix, "/")
}

// ValidateRegistry checks that endpoint is a well-formed registry
// endpoint for this environment: no trailing slash, the registry
// domain, and a registry-name subdomain.
func (r *Resolver) ValidateRegistry(endpoint string) error {
	if strings.HasSuffix(endpoint, "/") {
		return fmt.Errorf("registry endpoint %q must not end with a trailing slash", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("registry endpoint %q: %w", endpoint, err)
	}
	suffix := r.env.ContainerRegistryDNSSuffix
	if !strings.HasSuffix(u.Host, suffix) {
		return fmt.Errorf("registry endpoint %q must be in domain %q", endpoint, suffix)
	}
	if !strings.HasSuffix(u.Host, "."+suffix) || len(u.Host) == len(suffix)+1 {
		return fmt.Errorf("registry endpoint %q must have a registry name subdomain", endpoint)
	}
	return nil
}
