package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/hooks"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/nixpig/kiln/internal/validation"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// CreateOpts are the options for Create.
type CreateOpts struct {
	// ConsoleSocket receives the pty master when the container has a
	// terminal.
	ConsoleSocket string
	// PidFile is written with the init pid once the container starts.
	PidFile string
}

// Create registers a container from bundle and prepares its cgroup. The
// container is left in Created with no process; Start spawns it.
func (e *Engine) Create(ctx context.Context, id, bundle string, opts CreateOpts) (*store.Record, error) {
	if err := validation.ContainerID(id); err != nil {
		return nil, err
	}

	bundle, err := validation.Bundle(bundle)
	if err != nil {
		return nil, err
	}

	spec, err := loadSpec(bundle)
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		ID:            id,
		Bundle:        bundle,
		Status:        store.StatusCreating,
		OwnerPid:      os.Getpid(),
		CreatedAt:     e.now(),
		Annotations:   spec.Annotations,
		Config:        spec,
		ConsoleSocket: opts.ConsoleSocket,
		PidFile:       opts.PidFile,
	}

	plan, err := e.buildPlan(rec)
	if err != nil {
		return nil, err
	}

	// Recorded before the cgroup exists so Delete can find it after a
	// crash mid-create.
	rec.CgroupPath = plan.Cgroup.Path

	if err := e.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	cg, err := e.prepare(ctx, rec, plan)
	if err != nil {
		e.abortCreate(rec.ID, cg)
		return nil, err
	}

	rec, err = e.store.Update(ctx, id, func(r *store.Record) error {
		r.Status = store.StatusCreated
		r.OwnerPid = 0
		r.CgroupPath = cg.Path()
		return nil
	})
	if err != nil {
		e.abortCreate(id, cg)
		return nil, err
	}

	e.emitTransition(id, "", store.StatusCreated)
	slog.Debug("container created", "id", id, "bundle", bundle)

	return rec, nil
}

// prepare creates the cgroup and runs the createRuntime hooks. The
// returned cgroup is non-nil whenever it was created, even on error, so the
// caller can remove it.
func (e *Engine) prepare(ctx context.Context, rec *store.Record, plan *resources.Plan) (Cgroup, error) {
	cg, err := e.cgroups.Create(plan.Cgroup)
	if err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepCgroup), err)
	}

	if err := e.runHooks(ctx, rec, hooks.CreateRuntime, specs.StateCreating, 0); err != nil {
		return cg, errdefs.ResourceSetupFailed(string(resources.StepHooks), err)
	}

	return cg, nil
}

// abortCreate removes what a failed Create or Restore left behind.
func (e *Engine) abortCreate(id string, cg Cgroup) {
	if cg != nil {
		if err := cg.Kill(); err != nil {
			slog.Warn("failed to kill cgroup of failed create", "id", id, "err", err)
		}
		if err := cg.Delete(); err != nil {
			slog.Warn("failed to remove cgroup of failed create", "id", id, "err", err)
		}
	}

	if err := e.store.Delete(context.Background(), id, nil); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		slog.Warn("failed to remove record of failed create", "id", id, "err", err)
	}
}

func (e *Engine) runHooks(
	ctx context.Context,
	rec *store.Record,
	phase hooks.Phase,
	status specs.ContainerState,
	pid int,
) error {
	if rec.Config == nil {
		return nil
	}

	hs := hooks.ForPhase(rec.Config.Hooks, phase)
	if len(hs) == 0 {
		return nil
	}

	state := rec.OCIState()
	state.Status = status
	state.Pid = pid

	return hooks.Run(ctx, hs, state, e.opts.HookTimeout)
}

// StartOpts are the options for Start.
type StartOpts struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Start spawns the container's init process.
func (e *Engine) Start(ctx context.Context, id string, opts StartOpts) (*store.Record, error) {
	rec, err := e.update(ctx, id, opStart, func(rec *store.Record) error {
		plan, err := e.buildPlan(rec)
		if err != nil {
			return err
		}

		cg, err := e.loadCgroup(rec)
		if err != nil {
			return errdefs.ResourceSetupFailed(string(resources.StepCgroup), err)
		}

		for _, phase := range []hooks.Phase{hooks.Prestart, hooks.CreateContainer} {
			if err := e.runHooks(ctx, rec, phase, specs.StateCreated, 0); err != nil {
				return errdefs.ResourceSetupFailed(string(resources.StepHooks), err)
			}
		}

		res, err := e.supervisor.Spawn(ctx, supervisor.SpawnRequest{
			Plan:          plan,
			Cgroup:        cg,
			ConsoleSocket: rec.ConsoleSocket,
			Stdin:         opts.Stdin,
			Stdout:        opts.Stdout,
			Stderr:        opts.Stderr,
			Observer:      observer{engine: e, id: id},
		})
		if err != nil {
			return err
		}

		startedAt := e.now()
		rec.Status = store.StatusRunning
		rec.InitPid = res.Pid
		rec.InitStartTime = res.StartTime
		rec.StartedAt = &startedAt

		if rec.PidFile != "" {
			if err := writePidFile(rec.PidFile, res.Pid); err != nil {
				slog.Warn("failed to write pid file", "id", id, "path", rec.PidFile, "err", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.runHooks(ctx, rec, hooks.Poststart, specs.StateRunning, rec.InitPid); err != nil {
		slog.Warn("poststart hook failed", "id", id, "err", err)
	}

	return rec, nil
}

// RunOpts are the options for Run.
type RunOpts struct {
	CreateOpts
	StartOpts
	// Detach returns once the container is running instead of waiting for
	// it to exit.
	Detach bool
}

// Run creates and starts a container. Unless opts.Detach is set it waits
// for the init process, records it as Stopped and returns its exit code.
func (e *Engine) Run(ctx context.Context, id, bundle string, opts RunOpts) (int, error) {
	if _, err := e.Create(ctx, id, bundle, opts.CreateOpts); err != nil {
		return -1, err
	}

	rec, err := e.Start(ctx, id, opts.StartOpts)
	if err != nil {
		return -1, err
	}

	if opts.Detach {
		return 0, nil
	}

	status, err := e.supervisor.Wait(ctx, rec.InitPid)
	if err != nil {
		return -1, fmt.Errorf("wait for container %s: %w", id, err)
	}

	code := status.ExitCode()

	e.emit(eventExited(id, rec.InitPid))

	_, err = e.store.Update(context.Background(), id, func(r *store.Record) error {
		from := r.Status
		if from != store.StatusRunning && from != store.StatusPaused {
			return nil
		}

		var exitCode *int
		if status.Known {
			exitCode = &code
		}
		r.MarkStopped(e.now(), exitCode)
		e.emitTransition(id, from, r.Status)

		return nil
	})
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return code, fmt.Errorf("record exit of container %s: %w", id, err)
	}

	return code, nil
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}
