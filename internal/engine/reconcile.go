package engine

import (
	"context"
	"log/slog"

	"github.com/nixpig/kiln/internal/store"
)

// reconcile aligns rec with what the host shows. It moves rec to Stopped
// when the process it tracks is gone: a dead or reused init pid, an init
// pid that has left the container's cgroup, or a transient status whose
// owning invocation has died. It moves rec forward when an interrupted
// invocation got further than its record says: a Created container with a
// live process in its cgroup is Running, and the cgroup's freezer decides
// between Running and Paused. It reports whether rec changed.
func (e *Engine) reconcile(rec *store.Record) bool {
	switch rec.Status {
	case store.StatusCreating, store.StatusDeleting:
		if rec.OwnerPid > 0 && e.supervisor.Alive(rec.OwnerPid, 0) {
			return false
		}
		slog.Debug("owner of transient status is gone", "id", rec.ID, "status", rec.Status, "owner", rec.OwnerPid)

	case store.StatusCreated:
		return e.adoptInit(rec)

	case store.StatusRunning, store.StatusPaused:
		if rec.InitPid > 0 &&
			e.supervisor.Alive(rec.InitPid, rec.InitStartTime) &&
			(rec.CgroupPath == "" || e.cgroups.Contains(rec.CgroupPath, rec.InitPid)) {
			return e.syncFreezer(rec)
		}
		slog.Debug("init process is gone", "id", rec.ID, "pid", rec.InitPid)

	default:
		return false
	}

	rec.MarkStopped(e.now(), nil)

	return true
}

// adoptInit records the oldest live process in a Created container's
// cgroup as its init, left behind by a start that died before committing.
func (e *Engine) adoptInit(rec *store.Record) bool {
	if rec.CgroupPath == "" {
		return false
	}

	cg, err := e.cgroups.Load(rec.CgroupPath)
	if err != nil {
		return false
	}

	pids, err := cg.Pids()
	if err != nil {
		return false
	}

	var (
		initPid   int
		startTime int64
	)
	for _, pid := range pids {
		st, err := e.supervisor.StartTime(pid)
		if err != nil {
			continue
		}
		if initPid == 0 || st < startTime {
			initPid, startTime = pid, st
		}
	}

	if initPid == 0 {
		return false
	}

	slog.Debug("adopting init process of an interrupted start", "id", rec.ID, "pid", initPid)

	startedAt := e.now()
	rec.Status = store.StatusRunning
	rec.InitPid = initPid
	rec.InitStartTime = startTime
	rec.StartedAt = &startedAt

	if frozen, err := cg.Frozen(); err == nil && frozen {
		rec.Status = store.StatusPaused
	}

	return true
}

// syncFreezer sets Running or Paused from the cgroup's freezer, which a
// pause or resume may have changed before dying.
func (e *Engine) syncFreezer(rec *store.Record) bool {
	if rec.CgroupPath == "" {
		return false
	}

	cg, err := e.cgroups.Load(rec.CgroupPath)
	if err != nil {
		return false
	}

	frozen, err := cg.Frozen()
	if err != nil {
		return false
	}

	switch {
	case frozen && rec.Status == store.StatusRunning:
		rec.Status = store.StatusPaused
	case !frozen && rec.Status == store.StatusPaused:
		rec.Status = store.StatusRunning
	default:
		return false
	}

	slog.Debug("status follows cgroup freezer", "id", rec.ID, "status", rec.Status)

	return true
}

// update runs fn on the reconciled record under the container's lock,
// after checking op is legal in its status. A reconciliation is persisted
// even when the operation is then refused.
func (e *Engine) update(
	ctx context.Context,
	id string,
	op operation,
	fn func(*store.Record) error,
) (*store.Record, error) {
	var (
		refused error
		from    store.Status
	)

	rec, err := e.store.Update(ctx, id, func(rec *store.Record) error {
		from = rec.Status
		changed := e.reconcile(rec)

		if err := checkTransition(rec.Status, op); err != nil {
			if changed {
				refused = err
				return nil
			}
			return err
		}

		if changed {
			e.emitTransition(id, from, rec.Status)
			from = rec.Status
		}

		return fn(rec)
	})
	if err != nil {
		return nil, err
	}

	e.emitTransition(id, from, rec.Status)

	if refused != nil {
		return nil, refused
	}

	return rec, nil
}
