package engine

import (
	"context"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/store"
)

// ExecTarget is a container an extra process is being started in.
type ExecTarget struct {
	Record *store.Record
	Cgroup Cgroup
}

// Enter calls fn for a running container while holding its lock, so the
// container can't be stopped or deleted while a process joins it. A paused
// container is only accepted with ignorePaused.
func (e *Engine) Enter(ctx context.Context, id string, ignorePaused bool, fn func(ExecTarget) error) error {
	_, err := e.update(ctx, id, opExec, func(rec *store.Record) error {
		if rec.Status == store.StatusPaused && !ignorePaused {
			return errdefs.InvalidState(string(rec.Status), string(opExec))
		}

		cg, err := e.loadCgroup(rec)
		if err != nil {
			return err
		}

		return fn(ExecTarget{Record: rec, Cgroup: cg})
	})

	return err
}
