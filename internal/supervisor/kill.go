package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"golang.org/x/sys/unix"
)

// KillPolicy controls how Kill waits for the process to exit.
type KillPolicy struct {
	// Wait waits up to Grace for the process to exit after sig.
	Wait  bool
	Grace time.Duration
	// Escalate sends SIGKILL when the process outlives Grace, then waits up
	// to Timeout.
	Escalate bool
	Timeout  time.Duration
}

// Kill sends sig to pid and applies policy. It reports whether the process
// was observed to exit, with its status when it could be collected.
func Kill(
	ctx context.Context,
	pid int,
	startTime int64,
	sig unix.Signal,
	policy KillPolicy,
) (ExitStatus, bool, error) {
	if err := Signal(pid, startTime, sig); err != nil {
		return ExitStatus{}, false, err
	}

	if !policy.Wait {
		return ExitStatus{}, false, nil
	}

	status, exited, err := WaitTimeout(ctx, pid, policy.Grace)
	if err != nil || exited {
		return status, exited, err
	}

	if !policy.Escalate {
		return ExitStatus{}, false, nil
	}

	if sig != unix.SIGKILL {
		slog.Debug("process outlived grace period, escalating", "pid", pid, "grace", policy.Grace)

		if err := Signal(pid, startTime, unix.SIGKILL); err != nil {
			if errors.Is(err, errdefs.ErrProcessNotFound) {
				// It exited between the wait and the signal.
				return ExitStatus{}, true, nil
			}
			return ExitStatus{}, false, err
		}
	}

	status, exited, err = WaitTimeout(ctx, pid, policy.Timeout)
	if err != nil {
		return ExitStatus{}, false, err
	}

	if !exited {
		return ExitStatus{}, false, fmt.Errorf("%w: pid %d still running %s after SIGKILL", errdefs.ErrTimeout, pid, policy.Timeout)
	}

	return status, true, nil
}
