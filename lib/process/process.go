// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Orbit
// binaries: fatal error reporting to stderr for errors that occur
// before the structured logger exists, and process exit after an
// unrecoverable error in main().
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
