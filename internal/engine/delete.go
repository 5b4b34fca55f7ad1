package engine

import (
	"context"
	"log/slog"
	"os"

	"github.com/nixpig/kiln/internal/events"
	"github.com/nixpig/kiln/internal/hooks"
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Delete removes a created or stopped container. With force a running or
// paused container is killed first.
func (e *Engine) Delete(ctx context.Context, id string, force bool) error {
	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	e.reconcile(rec)

	if force && (rec.Status == store.StatusRunning || rec.Status == store.StatusPaused) {
		if _, err := e.Kill(ctx, id, unix.SIGKILL, KillOpts{All: true, Wait: true, Grace: e.opts.KillTimeout}); err != nil {
			return err
		}
	}

	// Mark the record so a crash part way through is recovered as Stopped
	// and the delete can be retried.
	if _, err := e.update(ctx, id, opDelete, func(rec *store.Record) error {
		rec.Status = store.StatusDeleting
		rec.OwnerPid = os.Getpid()
		return nil
	}); err != nil {
		return err
	}

	return e.store.Delete(ctx, id, func(rec *store.Record) error {
		if rec.CgroupPath != "" {
			if cg, err := e.cgroups.Load(rec.CgroupPath); err == nil {
				if err := cg.Kill(); err != nil {
					slog.Warn("failed to kill cgroup", "id", id, "err", err)
				}
				if err := cg.Delete(); err != nil {
					slog.Warn("failed to remove cgroup", "id", id, "err", err)
				}
			} else {
				slog.Debug("cgroup already gone", "id", id, "err", err)
			}
		}

		if err := e.runHooks(ctx, rec, hooks.Poststop, specs.StateStopped, 0); err != nil {
			slog.Warn("poststop hook failed", "id", id, "err", err)
		}

		e.emit(events.Event{Type: events.TypeDeleted, ID: id})

		return nil
	})
}
