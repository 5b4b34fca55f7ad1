// Package oci provides kiln's command line, an implementation of the OCI
// Runtime Command Line Interface.
//
// See: https://github.com/opencontainers/runtime-tools/blob/master/docs/command-line-interface.md
package oci

import (
	"errors"
	"fmt"

	"github.com/nixpig/kiln/internal/errdefs"
)

const internalUseMessage = "\n \033[31m ⚠ FOR INTERNAL USE ONLY - DO NOT RUN DIRECTLY ⚠ \033[0m"

// ExitError reports the exit code of a container process that a command
// waited for.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// ExitCode maps the error returned by a command to the process exit code.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return errdefs.ExitCode(err)
}

// FormatError renders err with its kind and, for setup failures, the step
// that failed.
func FormatError(err error) string {
	kind := errdefs.KindOf(err)

	if step := errdefs.Step(err); step != "" {
		return fmt.Sprintf("kind=%s step=%s: %s", kind, step, err)
	}

	return fmt.Sprintf("kind=%s: %s", kind, err)
}
