// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package local

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
)

// Descriptor kinds, each stored in its own directory.
const (
	kindPool     = "pools"
	kindJob      = "jobs"
	kindSchedule = "schedules"
	kindTasks    = "tasks"
)

// descriptors keeps one YAML file per record, so state survives a
// restart and can be read (or repaired) by hand.
type descriptors struct {
	fs afero.Fs
}

func newDescriptors(fs afero.Fs) (*descriptors, error) {
	for _, kind := range []string{kindPool, kindJob, kindSchedule, kindTasks} {
		if err := fs.MkdirAll(kind, 0755); err != nil {
			return nil, err
		}
	}
	return &descriptors{fs: fs}, nil
}

func descriptorPath(kind, name string) string {
	return path.Join(kind, url.PathEscape(name)+".yaml")
}

// put writes v atomically: readers see either the old file or the new
// one.
func (d *descriptors) put(kind, name string, v interface{}) error {
	buf, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s %q: %w", kind, name, err)
	}
	fn := descriptorPath(kind, name)
	tmp := fn + ".tmp"
	if err := afero.WriteFile(d.fs, tmp, buf, 0644); err != nil {
		return err
	}
	if err := d.fs.Rename(tmp, fn); err != nil {
		d.fs.Remove(tmp)
		return err
	}
	return nil
}

func (d *descriptors) remove(kind, name string) error {
	err := d.fs.Remove(descriptorPath(kind, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *descriptors) get(kind, name string, v interface{}) (bool, error) {
	buf, err := afero.ReadFile(d.fs, descriptorPath(kind, name))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := yaml.Unmarshal(buf, v); err != nil {
		return false, fmt.Errorf("decoding %s %q: %w", kind, name, err)
	}
	return true, nil
}

// names returns the record names of a kind, sorted.
func (d *descriptors) names(kind string) ([]string, error) {
	fis, err := afero.ReadDir(d.fs, kind)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, fi := range fis {
		base, ok := strings.CutSuffix(fi.Name(), ".yaml")
		if !ok || fi.IsDir() {
			continue
		}
		name, err := url.PathUnescape(base)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// loadAll decodes every record of a kind.
func loadAll[T any](d *descriptors, kind string) (map[string]T, error) {
	names, err := d.names(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(names))
	for _, name := range names {
		var v T
		if ok, err := d.get(kind, name, &v); err != nil {
			return nil, err
		} else if ok {
			out[name] = v
		}
	}
	return out, nil
}
