package engine

import (
	"context"
	"fmt"

	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// Update changes the cgroup limits of a running or paused container. The
// patch is merged over the current limits, which are persisted with the
// record.
func (e *Engine) Update(ctx context.Context, id string, patch *specs.LinuxResources) (*store.Record, error) {
	return e.update(ctx, id, opUpdate, func(rec *store.Record) error {
		if rec.Config == nil || rec.Config.Linux == nil {
			return fmt.Errorf("container %s has no linux config", id)
		}

		target, err := resources.BuildResourceUpdate(rec.CgroupPath, rec.Config.Linux.Resources, patch)
		if err != nil {
			return err
		}

		cg, err := e.loadCgroup(rec)
		if err != nil {
			return err
		}

		if err := cg.Update(target.Resources); err != nil {
			return err
		}

		rec.Config.Linux.Resources = target.Resources

		return nil
	})
}
