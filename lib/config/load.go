// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads cloudops configuration: the built-in defaults
// overlaid with a YAML file and a few environment variables.
package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultYAML is the configuration used for every entry the site
// config file does not set.
//
//go:embed config.default.yml
var DefaultYAML []byte

// DefaultConfigFile is read when neither -config nor $CLOUDOPS_CONFIG
// names a file. It is fine for it not to exist.
const DefaultConfigFile = "/etc/cloudops/config.yml"

// Environment variables that override the config file.
const (
	EnvConfig   = "CLOUDOPS_CONFIG"
	EnvBackend  = "CLOUDOPS_BACKEND"
	EnvLogLevel = "LOG_LEVEL"
)

var logLevels = map[string]bool{
	"none":    true,
	"panic":   true,
	"fatal":   true,
	"error":   true,
	"warn":    true,
	"warning": true,
	"info":    true,
	"debug":   true,
	"trace":   true,
}

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file path. "-" means Stdin. Empty means
	// $CLOUDOPS_CONFIG, or DefaultConfigFile if that is unset.
	Path string
	// Ignore CLOUDOPS_BACKEND and LOG_LEVEL.
	SkipEnv bool
	// Used instead of os.Getenv if not nil.
	Getenv func(string) string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == ""
//	err := flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", "", "Configuration `file` (default $"+EnvConfig+" or "+DefaultConfigFile+"; \"-\" means stdin)")
}

func (ldr *Loader) getenv(key string) string {
	if ldr.Getenv != nil {
		return ldr.Getenv(key)
	}
	return os.Getenv(key)
}

// configData returns the site config file contents, or nil if the
// default file is used and does not exist.
func (ldr *Loader) configData() ([]byte, error) {
	path, optional := ldr.Path, false
	if path == "" {
		path = ldr.getenv(EnvConfig)
	}
	if path == "" {
		path, optional = DefaultConfigFile, true
	}
	if path == "-" {
		if ldr.Stdin == nil {
			return nil, errors.New("config file is stdin, but there is no stdin")
		}
		return io.ReadAll(ldr.Stdin)
	}
	buf, err := os.ReadFile(path)
	if optional && errors.Is(err, os.ErrNotExist) {
		ldr.Logger.WithField("Path", path).Debug("no config file, using defaults")
		return nil, nil
	}
	return buf, err
}

// Load returns the effective configuration.
func (ldr *Loader) Load() (*cloudops.Config, error) {
	buf, err := ldr.configData()
	if err != nil {
		return nil, err
	}
	var cfg cloudops.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(buf) > 0 {
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, err
		}
		var supplied, defaults map[string]interface{}
		if err := yaml.Unmarshal(buf, &supplied); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(DefaultYAML, &defaults); err != nil {
			return nil, err
		}
		ldr.logExtraKeys(defaults, supplied, "")
	}
	if !ldr.SkipEnv {
		ldr.applyEnv(&cfg)
	}
	if err := checkConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) applyEnv(cfg *cloudops.Config) {
	if v := ldr.getenv(EnvBackend); v != "" {
		cfg.Backend = v
	}
	if v := ldr.getenv(EnvLogLevel); v != "" {
		v = strings.ToLower(v)
		if !logLevels[v] {
			ldr.Logger.WithField("Level", v).Warnf("unrecognized $%s, using debug", EnvLogLevel)
			v = "debug"
		}
		cfg.Logging.Level = v
	}
}

// logExtraKeys warns about entries in supplied that have no
// counterpart in expected. An empty map in expected accepts any
// keys.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if len(expected) == 0 {
		return
	}
	var keys []string
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vexp, ok := expected[k]
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		vsupp, ok := supplied[k].(map[string]interface{})
		if !ok {
			continue
		}
		if vexp, ok := vexp.(map[string]interface{}); ok {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

func checkConfig(cfg *cloudops.Config) error {
	switch cfg.Backend {
	case "local":
	case "remote":
		if cfg.Remote.ClusterURL == "" {
			return errors.New("Remote.ClusterURL must be set when Backend is \"remote\"")
		}
	default:
		return fmt.Errorf("Backend: unknown backend %q (must be \"local\" or \"remote\")", cfg.Backend)
	}
	if !logLevels[cfg.Logging.Level] && cfg.Logging.Level != "" {
		return fmt.Errorf("Logging.Level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("Logging.Format: unknown format %q (must be \"text\" or \"json\")", cfg.Logging.Format)
	}
	switch cfg.Local.Runtime {
	case "", "docker", "exec":
	default:
		return fmt.Errorf("Local.Runtime: unknown runtime %q (must be \"docker\" or \"exec\")", cfg.Local.Runtime)
	}
	switch cfg.Storage.Driver {
	case "", "localdir", "s3", "azure":
	default:
		return fmt.Errorf("Storage.Driver: unknown driver %q", cfg.Storage.Driver)
	}
	switch cfg.PoolDefaults.Availability {
	case "", cloudops.AvailabilityRegional, cloudops.AvailabilityZonal:
	default:
		return fmt.Errorf("PoolDefaults.Availability: must be %q or %q", cloudops.AvailabilityRegional, cloudops.AvailabilityZonal)
	}
	for _, d := range []struct {
		name string
		val  cloudops.Duration
	}{
		{"PoolDefaults.EvaluationInterval", cfg.PoolDefaults.EvaluationInterval},
		{"Monitor.PollInterval", cfg.Monitor.PollInterval},
		{"Monitor.DefaultTimeout", cfg.Monitor.DefaultTimeout},
		{"Local.PollInterval", cfg.Local.PollInterval},
	} {
		if d.val < 0 {
			return fmt.Errorf("%s: must not be negative", d.name)
		}
	}
	return nil
}
