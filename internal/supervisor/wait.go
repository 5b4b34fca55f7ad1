package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ExitStatus describes how a process ended. Known is false when the
// process was not a child of the caller, so its status couldn't be
// collected.
type ExitStatus struct {
	Code   int
	Signal unix.Signal
	Known  bool
}

// ExitCode returns the shell-style exit code: the exit status, or 128 plus
// the terminating signal.
func (s ExitStatus) ExitCode() int {
	if s.Signal != 0 {
		return 128 + int(s.Signal)
	}

	return s.Code
}

func exitStatus(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Signal: ws.Signal(), Known: true}
	}

	return ExitStatus{Code: ws.ExitStatus(), Known: true}
}

const waitPoll = 10 * time.Millisecond

// Wait blocks until pid exits or ctx is done. Children are reaped and their
// status returned; any other process is watched through a pidfd.
func Wait(ctx context.Context, pid int) (ExitStatus, error) {
	var ws unix.WaitStatus

	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return waitPidfd(ctx, pid)
		case err != nil:
			return ExitStatus{}, fmt.Errorf("wait for pid %d: %w", pid, err)
		case wpid == pid:
			return exitStatus(ws), nil
		}

		select {
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

func waitPidfd(ctx context.Context, pid int) (ExitStatus, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ExitStatus{}, nil
		}
		return ExitStatus{}, fmt.Errorf("open pidfd for %d: %w", pid, err)
	}
	defer unix.Close(fd)

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, 100)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return ExitStatus{}, fmt.Errorf("poll pidfd for %d: %w", pid, err)
		}

		// A pidfd becomes readable when the process exits; zombies that
		// nobody reaps are treated as exited too.
		if n > 0 || zombie(pid) {
			return ExitStatus{}, nil
		}

		if err := ctx.Err(); err != nil {
			return ExitStatus{}, err
		}
	}
}

// WaitTimeout waits for pid for at most d. It reports whether the process
// exited.
func WaitTimeout(ctx context.Context, pid int, d time.Duration) (ExitStatus, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	status, err := Wait(ctx, pid)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return ExitStatus{}, false, nil
		}
		return ExitStatus{}, false, err
	}

	return status, true, nil
}
