// Package errdefs defines the error kinds surfaced by lifecycle operations.
//
// Each kind wraps one of the containerd errdefs sentinels so callers can
// classify errors with either vocabulary, and maps onto one of two exit code
// classes: user errors and runtime errors.
package errdefs

import (
	"context"
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// Exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitRuntimeError = 1
	ExitUserError    = 2
)

// Kind names an error class.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindInvalidState        Kind = "InvalidState"
	KindInvalidConfig       Kind = "InvalidConfig"
	KindResourceSetupFailed Kind = "ResourceSetupFailed"
	KindProcessNotFound     Kind = "ProcessNotFound"
	KindTimeout             Kind = "Timeout"
	KindInternal            Kind = "Internal"
)

var (
	// ErrNotFound is returned when no container exists with the given id.
	ErrNotFound = fmt.Errorf("container does not exist: %w", cerrdefs.ErrNotFound)
	// ErrAlreadyExists is returned when creating a container with an id
	// already in use.
	ErrAlreadyExists = fmt.Errorf("container already exists: %w", cerrdefs.ErrAlreadyExists)
	// ErrInvalidConfig is returned for malformed or unsupported config.
	ErrInvalidConfig = fmt.Errorf("invalid config: %w", cerrdefs.ErrInvalidArgument)
	// ErrProcessNotFound is returned when a tracked pid no longer refers to
	// the process it was recorded for.
	ErrProcessNotFound = fmt.Errorf("process not found: %w", cerrdefs.ErrUnavailable)
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = fmt.Errorf("timed out: %w", context.DeadlineExceeded)
)

// InvalidStateError is returned for an illegal lifecycle transition.
type InvalidStateError struct {
	Current   string
	Requested string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf(
		"cannot %s container in %s state",
		e.Requested,
		e.Current,
	)
}

func (e *InvalidStateError) Unwrap() error {
	return cerrdefs.ErrFailedPrecondition
}

// InvalidState builds an InvalidStateError.
func InvalidState(current, requested string) error {
	return &InvalidStateError{Current: current, Requested: requested}
}

// StepTimeout is the step reported when the readiness handshake expires.
const StepTimeout = "timeout"

// ResourceSetupError reports the resource setup step that failed.
type ResourceSetupError struct {
	Step  string
	Cause error
}

func (e *ResourceSetupError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("resource setup failed at step %s", e.Step)
	}

	return fmt.Sprintf("resource setup failed at step %s: %s", e.Step, e.Cause)
}

func (e *ResourceSetupError) Unwrap() []error {
	errs := []error{cerrdefs.ErrInternal}
	if e.Step == StepTimeout {
		errs = append(errs, ErrTimeout)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// ResourceSetupFailed builds a ResourceSetupError for the given step.
func ResourceSetupFailed(step string, cause error) error {
	return &ResourceSetupError{Step: step, Cause: cause}
}

// InvalidConfigf wraps ErrInvalidConfig with a formatted reason.
func InvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// KindOf classifies err.
func KindOf(err error) Kind {
	var stateErr *InvalidStateError
	var setupErr *ResourceSetupError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &setupErr):
		return KindResourceSetupFailed
	case errors.As(err, &stateErr):
		return KindInvalidState
	case errors.Is(err, ErrProcessNotFound):
		return KindProcessNotFound
	case cerrdefs.IsNotFound(err):
		return KindNotFound
	case cerrdefs.IsAlreadyExists(err):
		return KindAlreadyExists
	case cerrdefs.IsInvalidArgument(err):
		return KindInvalidConfig
	case cerrdefs.IsDeadlineExceeded(err):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Step returns the failing resource setup step carried by err, if any.
func Step(err error) string {
	var setupErr *ResourceSetupError
	if errors.As(err, &setupErr) {
		return setupErr.Step
	}

	return ""
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return ExitOK
	case KindNotFound, KindAlreadyExists, KindInvalidState, KindInvalidConfig:
		return ExitUserError
	default:
		return ExitRuntimeError
	}
}
