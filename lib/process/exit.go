// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"log/slog"
	"os"
)

// exit is swapped in tests.
var exit = os.Exit

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	exit(1)
}

// Abort logs err at error level with the given reason and exits with
// code 2. Use it as the failure hook for links whose corruption the
// module cannot recover from.
func Abort(logger *slog.Logger, reason string, err error) {
	logger.Error(reason, "error", err)
	exit(2)
}
