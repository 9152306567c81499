// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for module binaries.
//
// A module binary reports errors that happen before its structured
// logger exists (a bad bootstrap argument, an unreadable config file)
// with [Fatal]. Once the runtime is up, fatal link conditions are
// reported with [Abort], which logs through the module's logger and
// exits without running deferred cleanup: a module whose handle table
// or link is corrupt has nothing safe left to clean up.
package process
