// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cfa/cloudops/sdk/go/cloudops"
	"rsc.io/getopt"
)

var (
	// PoolCreate creates a pool from a YAML or JSON spec.
	PoolCreate = command{
		positional: "spec-file|-",
		minArgs:    1,
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			replace := flags.Bool("replace", false, "Delete and recreate the pool if it exists")
			flags.Alias("r", "replace")
			name := flags.String("name", "", "Pool `name` (overrides the spec)")
			flags.Alias("n", "name")
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				var spec cloudops.PoolSpec
				if err := readSpec(env.stdin, args[0], &spec); err != nil {
					return nil, err
				}
				if *name != "" {
					spec.Name = *name
				}
				if *replace {
					spec.ReplaceExisting = true
				}
				return env.client.CreatePool(ctx, spec)
			}
		},
	}

	// PoolDelete deletes the named pools.
	PoolDelete = command{
		positional: "pool [pool...]",
		minArgs:    1,
		maxArgs:    -1,
		setup: func(flags *getopt.FlagSet) runFunc {
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				for _, name := range args {
					if err := env.client.DeletePool(ctx, name); err != nil {
						return nil, err
					}
				}
				return nil, nil
			}
		},
	}

	// Images lists the images pools can use.
	Images = command{
		positional: "[filter]",
		maxArgs:    1,
		setup: func(flags *getopt.FlagSet) runFunc {
			return func(ctx context.Context, env *env, args []string) (interface{}, error) {
				filter := ""
				if len(args) > 0 {
					filter = args[0]
				}
				images, err := env.client.ListAvailableImages(ctx, filter)
				return imageList(images), err
			}
		},
	}
)

type imageList []cloudops.ImageRef

func (il imageList) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tTAGS\tORIGIN\tDIGEST")
	for _, img := range il {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Name, strings.Join(img.Tags, ","), img.Origin, img.Digest)
	}
	w.Flush()
	return buf.String()
}
