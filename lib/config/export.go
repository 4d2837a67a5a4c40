// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"sort"

	"github.com/cfa/cloudops/sdk/go/cloudops"
)

// Redacted replaces secret values.
const Redacted = "xxxxx"

// secrets lists config entries that must not be shown by
// "config-dump" unless asked.
var secrets = map[string]bool{
	"Remote.AuthToken":           true,
	"Cluster.AuthToken":          true,
	"Cluster.DatabaseURL":        true,
	"Cluster.DriverParameters":   true,
	"Storage.S3.SecretAccessKey": true,
	"Storage.Azure.Key":          true,
	"Credentials.ClientSecret":   true,
}

// Export returns cfg as a generic map, with non-empty secrets
// replaced by Redacted. The second return value lists the redacted
// entries.
func Export(cfg *cloudops.Config) (map[string]interface{}, []string, error) {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, nil, err
	}
	var redacted []string
	redactSecrets(m, "", &redacted)
	sort.Strings(redacted)
	return m, redacted, nil
}

func redactSecrets(m map[string]interface{}, prefix string, redacted *[]string) {
	for k, v := range m {
		key := prefix + k
		if secrets[key] {
			if !isEmpty(v) {
				m[k] = Redacted
				*redacted = append(*redacted, key)
			}
			continue
		}
		if v, ok := v.(map[string]interface{}); ok {
			redactSecrets(v, key+".", redacted)
		}
	}
}

func isEmpty(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]interface{}:
		return len(v) == 0
	}
	return false
}
