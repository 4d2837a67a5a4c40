// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package automation runs experiments and task lists described in
// YAML documents: it uploads inputs, creates the job, generates and
// adds the tasks, and optionally monitors the job.
package automation

import (
	"fmt"
	"os"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"gopkg.in/yaml.v3"
)

// Document is an experiment or task-list description.
type Document struct {
	Job        JobSection         `yaml:"job"`
	Upload     *UploadSection     `yaml:"upload"`
	Experiment *ExperimentSection `yaml:"experiment"`
	Tasks      []TaskEntry        `yaml:"task"`
}

type JobSection struct {
	JobName   string `yaml:"job_name"`
	PoolName  string `yaml:"pool_name"`
	Container string `yaml:"container"`
	// Storage container for task stdout/stderr. Empty means logs
	// are not saved.
	SaveLogsToBlob string `yaml:"save_logs_to_blob"`
	LogsFolder     string `yaml:"logs_folder"`
	TaskRetries    int    `yaml:"task_retries"`
	TaskIDInts     bool   `yaml:"task_id_ints"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	MonitorJob     bool   `yaml:"monitor_job"`
}

type UploadSection struct {
	ContainerName  string   `yaml:"container_name"`
	LocationInBlob string   `yaml:"location_in_blob"`
	Files          []string `yaml:"files"`
	Folders        []string `yaml:"folders"`
}

// ExperimentSection holds a command template and either a list of
// values for each of its placeholders, or a parameter file.
type ExperimentSection struct {
	BaseCmd string
	// Parameter file (local path or go-getter source).
	ParamFile string
	// Placeholder values, in document order.
	Vars []Var
}

// Var is a placeholder name and the values it takes.
type Var struct {
	Name   string
	Values []string
}

type TaskEntry struct {
	Cmd                     string   `yaml:"cmd"`
	Name                    string   `yaml:"name"`
	DependsOn               []string `yaml:"depends_on"`
	RunDependentTasksOnFail bool     `yaml:"run_dependent_tasks_on_fail"`
	ContainerImage          string   `yaml:"container_image"`
}

// UnmarshalYAML keeps the placeholder variables in the order they
// appear, which determines the order of the generated commands.
func (es *ExperimentSection) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: experiment section must be a mapping", node.Line)
	}
	*es = ExperimentSection{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "base_cmd":
			if err := val.Decode(&es.BaseCmd); err != nil {
				return err
			}
		case "exp_yaml":
			if err := val.Decode(&es.ParamFile); err != nil {
				return err
			}
		default:
			values, err := scalarList(val)
			if err != nil {
				return fmt.Errorf("experiment variable %q: %w", key.Value, err)
			}
			es.Vars = append(es.Vars, Var{Name: key.Value, Values: values})
		}
	}
	return nil
}

// scalarList returns the values of a scalar or a sequence of
// scalars, as written.
func scalarList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		var values []string
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: expected a scalar value", item.Line)
			}
			values = append(values, item.Value)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("line %d: expected a value or a list of values", node.Line)
	}
}

// Parse decodes and checks a document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cloudops.WrapError(cloudops.ErrInvalidSpec, err, "decoding document")
	}
	if doc.Job.JobName == "" {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "job section needs a job_name")
	}
	if doc.Job.PoolName == "" {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "job section needs a pool_name")
	}
	if up := doc.Upload; up != nil && up.ContainerName == "" {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "upload section needs a container_name")
	}
	if ex := doc.Experiment; ex != nil {
		if ex.BaseCmd == "" {
			return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "experiment section needs a base_cmd")
		}
		if ex.ParamFile != "" && len(ex.Vars) > 0 {
			return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "experiment section has both exp_yaml and variables")
		}
	}
	for i, t := range doc.Tasks {
		if t.Cmd == "" {
			return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "task %d has no cmd", i+1)
		}
	}
	return &doc, nil
}

// Load reads and parses a document file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
