// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package automation

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"github.com/hashicorp/go-getter"
	"gopkg.in/yaml.v3"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// CheckTemplate returns an error if template uses a placeholder that
// is not one of vars.
func CheckTemplate(template string, vars []Var) error {
	declared := map[string]bool{}
	for _, v := range vars {
		declared[v.Name] = true
	}
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !declared[m[1]] {
			return cloudops.Errorf(cloudops.ErrInvalidSpec, "command template uses undefined variable %q", m[1])
		}
	}
	return nil
}

// Permutations returns the commands made by substituting every
// combination of variable values into template. The first variable
// changes slowest. Each iteration starts over from the first
// combination.
func Permutations(template string, vars []Var) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, v := range vars {
			if len(v.Values) == 0 {
				return
			}
		}
		idx := make([]int, len(vars))
		pairs := make([]string, 2*len(vars))
		for {
			for i, v := range vars {
				pairs[2*i] = "{" + v.Name + "}"
				pairs[2*i+1] = v.Values[idx[i]]
			}
			if !yield(strings.NewReplacer(pairs...).Replace(template)) {
				return
			}
			i := len(vars) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(vars[i].Values) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// Param is one key/value entry of a parameter set.
type Param struct {
	Key   string
	Value string
}

const flagSuffix = "(flag)"

// ParseParamSets decodes a parameter file: a YAML list of mappings,
// each one parameter set. Keys keep their order.
func ParseParamSets(data []byte) ([][]Param, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, cloudops.WrapError(cloudops.ErrInvalidSpec, err, "decoding parameter file")
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	seq := root.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "parameter file must be a list of parameter sets")
	}
	var sets [][]Param
	for _, item := range seq.Content {
		if item.Kind != yaml.MappingNode {
			return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "line %d: parameter set must be a mapping", item.Line)
		}
		var set []Param
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, val := item.Content[i], item.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return nil, cloudops.Errorf(cloudops.ErrInvalidSpec, "line %d: parameter %q must have a scalar value", val.Line, key.Value)
			}
			set = append(set, Param{Key: key.Value, Value: val.Value})
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// Args formats a parameter set as command line options: "--key
// value", or a bare "--key" for keys ending in "(flag)" whose value
// is neither empty nor false.
func Args(set []Param) string {
	var args []string
	for _, p := range set {
		if name, ok := strings.CutSuffix(p.Key, flagSuffix); ok {
			if p.Value != "" && p.Value != "false" {
				args = append(args, "--"+name)
			}
			continue
		}
		args = append(args, "--"+p.Key, p.Value)
	}
	return strings.Join(args, " ")
}

// ParamCommands returns baseCmd followed by the options of each
// parameter set.
func ParamCommands(baseCmd string, sets [][]Param) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, set := range sets {
			cmd := baseCmd
			if args := Args(set); args != "" {
				cmd += " " + args
			}
			if !yield(cmd) {
				return
			}
		}
	}
}

// FetchParamFile returns the contents of a parameter file. src is a
// path (relative to pwd) or any source go-getter understands, such
// as an https or s3 URL.
func FetchParamFile(ctx context.Context, src, pwd string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "cloudops-params-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	dst := filepath.Join(dir, "params.yaml")
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Pwd:  pwd,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		return nil, fmt.Errorf("fetching parameter file %q: %w", src, err)
	}
	return os.ReadFile(dst)
}
