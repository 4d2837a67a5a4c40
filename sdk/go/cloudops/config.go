// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"encoding/json"
)

// Config is the complete configuration of a cloudops client or
// cluster server. Defaults live in lib/config/config.default.yml.
type Config struct {
	Backend string

	Logging struct {
		Level  string
		Format string
	}

	// Defaults applied to PoolSpec fields the caller leaves unset.
	PoolDefaults struct {
		NodeImage          string
		VMSize             string
		ContainerImage     string
		DedicatedNodes     int
		LowPriorityNodes   int
		MaxAutoscaleNodes  int
		EvaluationInterval Duration
		TaskSlotsPerNode   int
		Availability       string
		CacheBlobfuse      bool
		AutoscaleFormula   string
	}

	Autoscale struct {
		SampleWindow Duration
	}

	Local struct {
		StateDir string
		// "docker" or "exec"
		Runtime   string
		MountRoot string
		// Images the exec runtime reports as available.
		ExecImages   []string
		PollInterval Duration
	}

	Remote struct {
		ClusterURL   string
		AuthToken    string
		Registry     string
		VerifyImages bool
		CacheSize    int
		Timeout      Duration
	}

	Cluster ClusterConfig

	Storage StorageConfig

	Credentials CredentialConfig

	Monitor struct {
		PollInterval   Duration
		DefaultTimeout Duration
	}
}

// ClusterConfig configures the elastic cluster served by
// "cloudops cluster-server".
type ClusterConfig struct {
	Listen           string
	AuthToken        string
	Driver           string
	DriverParameters json.RawMessage
	ImageID          string
	SSHUser          string
	SSHPort          string
	PrivateKeyFile   string
	InstanceTypes    map[string]InstanceType
	SyncInterval     Duration
	TimeoutBooting   Duration
	TimeoutIdle      Duration
	MaxInstances     int
	DockerCommand    string
	MountsDir        string
	DatabaseURL      string

	// PEM file paths. The server uses https when both are set,
	// and reloads them on SIGHUP.
	TLS struct {
		Certificate string
		Key         string
	}
}

// InstanceType is a kind of node a cloud driver can create. The map
// key in ClusterConfig.InstanceTypes is the pool VM size.
type InstanceType struct {
	Name         string
	ProviderType string
	VCPUs        int
	RAM          int64
	Preemptible  bool
	Price        float64
}

type StorageConfig struct {
	// "localdir", "s3" or "azure"
	Driver string
	Root   string
	S3     struct {
		Endpoint        string
		Region          string
		AccessKeyID     string
		SecretAccessKey string
	}
	Azure struct {
		Account string
		Key     string
		// e.g. "AzureUSGovernmentCloud"; empty means public
		Environment string
	}
}

type CredentialConfig struct {
	// "none", "managed-identity", "service-principal" or "federated"
	Mode               string
	Environment        string
	TenantID           string
	ClientID           string
	ClientSecret       string
	Resource           string
	FederatedTokenFile string
	AuthorityHost      string
}
