// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for module binaries.
//
// Values are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/modrpc/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"os"
	"runtime"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// Version is the semantic version, set by hand for releases.
	Version = "0.1.0-dev"
)

// ProtocolVersion is the wire protocol revision carried in the
// base-link Hello. Peers with different revisions refuse to link.
const ProtocolVersion = 1

// Info returns a one-line version string for --version output.
func Info() string {
	return fmt.Sprintf("%s (%s, protocol %d, %s)", Version, GitCommit, ProtocolVersion, runtime.Version())
}

// Print writes "name info" to stdout.
func Print(name string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", name, Info())
}
