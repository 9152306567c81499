// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations the runtime blocks on.
//
// Every bounded wait in the runtime (queue pops with a timeout, token
// allocation in the object table, bootstrap and terminate handshakes)
// goes through a [Clock] so tests can drive timeouts deterministically
// with [Fake] instead of sleeping. Production code passes [Real].
//
// The fake never advances on its own. A test that wants a timeout to
// fire waits for the blocked goroutine to register its timer, then
// advances past the deadline:
//
//	go func() { _, err = q.PopTimeout(time.Second) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
