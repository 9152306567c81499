// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for modrpc hosts
// and modules.
//
// Configuration is loaded from a single file specified by either the
// MODRPC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. When runtime.token_timeout is unset
// after overrides, development waits 30s for a free handle slot and
// every other environment waits 1s.
//
// ${VAR} and ${VAR:-default} are expanded in modules.socket_dir only.
//
// Key exports:
//
//   - [Config] -- master struct with Runtime, Modules, and Log sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.RuntimeOptions] -- converts to rpc.Options
package config
