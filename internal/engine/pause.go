package engine

import (
	"context"
	"fmt"

	"github.com/nixpig/kiln/internal/store"
)

// Pause freezes every process in a running container.
func (e *Engine) Pause(ctx context.Context, id string) (*store.Record, error) {
	return e.update(ctx, id, opPause, func(rec *store.Record) error {
		cg, err := e.loadCgroup(rec)
		if err != nil {
			return err
		}

		if err := cg.Freeze(); err != nil {
			return fmt.Errorf("freeze container %s: %w", id, err)
		}

		rec.Status = store.StatusPaused

		return nil
	})
}

// Resume thaws a paused container.
func (e *Engine) Resume(ctx context.Context, id string) (*store.Record, error) {
	return e.update(ctx, id, opResume, func(rec *store.Record) error {
		cg, err := e.loadCgroup(rec)
		if err != nil {
			return err
		}

		if err := cg.Thaw(); err != nil {
			return fmt.Errorf("thaw container %s: %w", id, err)
		}

		rec.Status = store.StatusRunning

		return nil
	})
}
