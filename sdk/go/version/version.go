// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package version reports the cloudops release number.
package version

import "runtime/debug"

// Version is assigned the release number at build time:
// -ldflags "-X github.com/cfa/cloudops/sdk/go/version.Version=1.2.3".
var Version string

// GetVersion returns Version if it was assigned, otherwise the main
// module version recorded by the go tool (for "go install
// github.com/cfa/cloudops/cmd/cloudops@v1.2.3"), otherwise "dev".
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return moduleVersion(debug.ReadBuildInfo())
}

func moduleVersion(bi *debug.BuildInfo, ok bool) string {
	if !ok || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}
