package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/events"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
	"golang.org/x/sys/unix"
)

// KillOpts are the options for Kill.
type KillOpts struct {
	// All signals every process in the container's cgroup, not just init.
	All bool
	// Wait waits up to Grace for init to exit.
	Wait  bool
	Grace time.Duration
	// Escalate sends SIGKILL when init outlives Grace.
	Escalate bool
	Timeout  time.Duration
}

// DefaultKillOpts returns the engine's configured kill policy for a
// waiting, escalating kill.
func (e *Engine) DefaultKillOpts() KillOpts {
	return KillOpts{
		Wait:     true,
		Grace:    e.opts.KillGrace,
		Escalate: true,
		Timeout:  e.opts.KillTimeout,
	}
}

// Kill sends sig to a running or paused container. When the init process
// is observed to exit the container becomes Stopped; otherwise its status
// is unchanged.
func (e *Engine) Kill(ctx context.Context, id string, sig unix.Signal, opts KillOpts) (*store.Record, error) {
	return e.update(ctx, id, opKill, func(rec *store.Record) error {
		return e.kill(ctx, rec, sig, opts)
	})
}

func (e *Engine) kill(ctx context.Context, rec *store.Record, sig unix.Signal, opts KillOpts) error {
	if opts.All {
		if err := e.signalAll(rec, sig); err != nil {
			return err
		}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = e.opts.KillTimeout
	}

	status, exited, err := e.supervisor.Kill(ctx, rec.InitPid, rec.InitStartTime, sig, supervisor.KillPolicy{
		Wait:     opts.Wait,
		Grace:    opts.Grace,
		Escalate: opts.Escalate,
		Timeout:  opts.Timeout,
	})
	switch {
	case errors.Is(err, errdefs.ErrProcessNotFound) && opts.All:
		// Killed by the cgroup-wide signal.
		exited = true
	case err != nil:
		return fmt.Errorf("kill container %s: %w", rec.ID, err)
	}

	if !exited {
		return nil
	}

	e.emit(eventExited(rec.ID, rec.InitPid))

	var exitCode *int
	if status.Known {
		code := status.ExitCode()
		exitCode = &code
	}
	rec.MarkStopped(e.now(), exitCode)

	return nil
}

// signalAll delivers sig to every process in the container's cgroup.
// SIGKILL goes through cgroup.kill so no process can escape by forking.
func (e *Engine) signalAll(rec *store.Record, sig unix.Signal) error {
	cg, err := e.loadCgroup(rec)
	if err != nil {
		return err
	}

	if sig == unix.SIGKILL {
		if err := cg.Kill(); err != nil {
			return fmt.Errorf("kill cgroup of %s: %w", rec.ID, err)
		}
		return nil
	}

	pids, err := cg.Pids()
	if err != nil {
		return err
	}

	for _, pid := range pids {
		if err := e.supervisor.Signal(pid, 0, sig); err != nil && !errors.Is(err, errdefs.ErrProcessNotFound) {
			slog.Warn("failed to signal container process", "id", rec.ID, "pid", pid, "err", err)
		}
	}

	return nil
}

func eventExited(id string, pid int) events.Event {
	return events.Event{
		Type:  events.TypeProcess,
		ID:    id,
		Pid:   pid,
		State: string(supervisor.StateExited),
	}
}
