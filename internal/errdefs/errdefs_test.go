package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
)

func TestKindAndExitCode(t *testing.T) {
	scenarios := map[string]struct {
		err      error
		kind     Kind
		exitCode int
	}{
		"nil": {
			err:      nil,
			kind:     "",
			exitCode: ExitOK,
		},
		"not found": {
			err:      fmt.Errorf("load container: %w", ErrNotFound),
			kind:     KindNotFound,
			exitCode: ExitUserError,
		},
		"already exists": {
			err:      ErrAlreadyExists,
			kind:     KindAlreadyExists,
			exitCode: ExitUserError,
		},
		"invalid state": {
			err:      fmt.Errorf("start: %w", InvalidState("running", "start")),
			kind:     KindInvalidState,
			exitCode: ExitUserError,
		},
		"invalid config": {
			err:      InvalidConfigf("process.args must not be empty"),
			kind:     KindInvalidConfig,
			exitCode: ExitUserError,
		},
		"resource setup failed": {
			err:      ResourceSetupFailed("mounts", errors.New("boom")),
			kind:     KindResourceSetupFailed,
			exitCode: ExitRuntimeError,
		},
		"process not found": {
			err:      ErrProcessNotFound,
			kind:     KindProcessNotFound,
			exitCode: ExitRuntimeError,
		},
		"timeout": {
			err:      ErrTimeout,
			kind:     KindTimeout,
			exitCode: ExitRuntimeError,
		},
		"context deadline": {
			err:      fmt.Errorf("wait for init: %w", context.DeadlineExceeded),
			kind:     KindTimeout,
			exitCode: ExitRuntimeError,
		},
		"unclassified": {
			err:      errors.New("something else"),
			kind:     KindInternal,
			exitCode: ExitRuntimeError,
		},
	}

	for name, data := range scenarios {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, data.kind, KindOf(data.err))
			assert.Equal(t, data.exitCode, ExitCode(data.err))
		})
	}
}

func TestResourceSetupTimeout(t *testing.T) {
	err := ResourceSetupFailed(StepTimeout, nil)

	assert.Equal(t, KindResourceSetupFailed, KindOf(err))
	assert.Equal(t, StepTimeout, Step(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, cerrdefs.IsDeadlineExceeded(err))
}

func TestResourceSetupCause(t *testing.T) {
	cause := errors.New("mount proc: permission denied")
	err := fmt.Errorf("start: %w", ResourceSetupFailed("mounts", cause))

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "mounts", Step(err))
	assert.True(t, cerrdefs.IsInternal(err))
}

func TestInvalidStateFields(t *testing.T) {
	var stateErr *InvalidStateError

	err := fmt.Errorf("delete: %w", InvalidState("running", "delete"))

	assert.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "running", stateErr.Current)
	assert.Equal(t, "delete", stateErr.Requested)
	assert.True(t, cerrdefs.IsFailedPrecondition(err))
}
