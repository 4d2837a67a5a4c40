// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cloudops

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type ScaleMode string

const (
	ScaleFixed     ScaleMode = "fixed"
	ScaleAutoscale ScaleMode = "autoscale"
)

const (
	AvailabilityRegional = "regional"
	AvailabilityZonal    = "zonal"
)

// Pool is a named group of compute nodes sharing an image, a VM size
// and a set of storage mounts.
type Pool struct {
	Name               string    `json:"name"`
	NodeImage          string    `json:"node_image"`
	VMSize             string    `json:"vm_size"`
	ContainerImage     string    `json:"container_image"`
	Mounts             []Mount   `json:"mounts"`
	ScaleMode          ScaleMode `json:"scale_mode"`
	AutoscaleFormula   string    `json:"autoscale_formula,omitempty"`
	MaxAutoscaleNodes  int       `json:"max_autoscale_nodes,omitempty"`
	EvaluationInterval Duration  `json:"evaluation_interval,omitempty"`
	DedicatedNodes     int       `json:"dedicated_nodes"`
	LowPriorityNodes   int       `json:"low_priority_nodes"`
	TaskSlotsPerNode   int       `json:"task_slots_per_node"`
	Availability       string    `json:"availability"`
	CacheBlobfuse      bool      `json:"cache_blobfuse"`
	CreatedAt          time.Time `json:"created_at"`
}

// Mount maps a storage container (Source) to a directory name
// (Target) visible to tasks.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// MountSpec is the input form of a mount: either a bare container
// name, mounted under the same name, or an explicit source/target
// pair.
type MountSpec struct {
	bare     string
	source   string
	target   string
	explicit bool
}

func BareMount(name string) MountSpec {
	return MountSpec{bare: name}
}

func ExplicitMount(source, target string) MountSpec {
	return MountSpec{source: source, target: target, explicit: true}
}

// Explicit reports whether the spec was given as a source/target pair.
func (m MountSpec) Explicit() bool {
	return m.explicit
}

// Normalize returns the explicit form of the mount.
func (m MountSpec) Normalize() Mount {
	if m.explicit {
		return Mount{Source: m.source, Target: m.target}
	}
	return Mount{Source: m.bare, Target: m.bare}
}

// UnmarshalJSON accepts "name", ["source", "target"], or
// {"source": ..., "target": ...}.
func (m *MountSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = BareMount(s)
		return nil
	}
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("mount %s: expected [source, target]", data)
		}
		*m = ExplicitMount(pair[0], pair[1])
		return nil
	}
	var obj Mount
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("mount %s: %w", data, err)
	}
	*m = ExplicitMount(obj.Source, obj.Target)
	return nil
}

func (m MountSpec) MarshalJSON() ([]byte, error) {
	if m.explicit {
		return json.Marshal(Mount{Source: m.source, Target: m.target})
	}
	return json.Marshal(m.bare)
}

// PoolSpec is the caller's description of a pool to create. Node
// counts are pointers so an explicit 0 is not mistaken for "use the
// default".
type PoolSpec struct {
	Name               string      `json:"name"`
	NodeImage          string      `json:"node_image"`
	VMSize             string      `json:"vm_size"`
	ContainerImage     string      `json:"container_image"`
	Mounts             []MountSpec `json:"mounts"`
	Autoscale          bool        `json:"autoscale"`
	AutoscaleFormula   string      `json:"autoscale_formula"`
	MaxAutoscaleNodes  int         `json:"max_autoscale_nodes"`
	EvaluationInterval Duration    `json:"evaluation_interval"`
	DedicatedNodes     *int        `json:"dedicated_nodes"`
	LowPriorityNodes   *int        `json:"low_priority_nodes"`
	TaskSlotsPerNode   int         `json:"task_slots_per_node"`
	Availability       string      `json:"availability"`
	CacheBlobfuse      *bool       `json:"cache_blobfuse"`
	ReplaceExisting    bool        `json:"replace_existing_pool"`
}

// NormalizePoolName replaces each run of whitespace in name with a
// single underscore.
func NormalizePoolName(name string) string {
	return strings.Join(strings.Fields(name), "_")
}

// NormalizeMounts converts mount specs to explicit mounts and checks
// that no two mounts share a target. Sources and targets must be
// relative paths that stay inside their root.
func NormalizeMounts(specs []MountSpec) ([]Mount, error) {
	var mounts []Mount
	seen := map[string]bool{}
	for _, spec := range specs {
		m := spec.Normalize()
		if m.Source == "" || m.Target == "" {
			return nil, Errorf(ErrInvalidSpec, "mount source and target must not be empty (%+v)", m)
		}
		if !filepath.IsLocal(m.Source) || !filepath.IsLocal(m.Target) {
			return nil, Errorf(ErrInvalidSpec, "mount %q -> %q leaves the mount root", m.Source, m.Target)
		}
		if seen[m.Target] {
			return nil, Errorf(ErrInvalidSpec, "duplicate mount target %q", m.Target)
		}
		seen[m.Target] = true
		mounts = append(mounts, m)
	}
	return mounts, nil
}
