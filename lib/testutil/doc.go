// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the runtime's
// packages.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-deadline pattern so individual tests never call
// time.After directly. These are the only helpers that use wall-clock
// time; everything else in the test suite drives a fake clock.
//
// [RequirePanic] runs a function that must panic and returns the
// recovered value. The runtime reports programmer misuse (double
// remove, use of a deleted handle, duplicate registration) by
// panicking, so most invariant tests go through it.
//
// All helpers call t.Fatalf on failure.
package testutil
