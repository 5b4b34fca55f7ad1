package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/nixpig/kiln/internal/checkpoint"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/validation"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// CheckpointOpts are the options for Checkpoint and Restore.
type CheckpointOpts struct {
	ImagePath      string
	WorkPath       string
	LeaveRunning   bool
	TCPEstablished bool
	ShellJob       bool
}

// Checkpoint saves the process tree of a running or paused container.
// Unless opts.LeaveRunning is set the container is stopped afterwards.
func (e *Engine) Checkpoint(ctx context.Context, id string, opts CheckpointOpts) (*checkpoint.Image, error) {
	if opts.ImagePath == "" {
		return nil, errdefs.InvalidConfigf("an image path is required")
	}

	var img *checkpoint.Image

	_, err := e.update(ctx, id, opCheckpoint, func(rec *store.Record) error {
		var err error
		img, err = e.checkpointer.Dump(ctx, rec.InitPid, checkpoint.Options{
			ImagePath:      opts.ImagePath,
			WorkPath:       opts.WorkPath,
			LeaveRunning:   opts.LeaveRunning,
			TCPEstablished: opts.TCPEstablished,
			ShellJob:       opts.ShellJob,
			CgroupPath:     rec.CgroupPath,
			Mounts:         externalMounts(rec.Config),
		})
		if err != nil {
			return fmt.Errorf("checkpoint container %s: %w", id, err)
		}

		if !opts.LeaveRunning {
			e.emit(eventExited(id, rec.InitPid))
			rec.MarkStopped(e.now(), nil)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return img, nil
}

// Restore recreates a container at id from a checkpoint image, using the
// config in bundle. No container may exist at id.
func (e *Engine) Restore(ctx context.Context, id, bundle string, opts CheckpointOpts) (*store.Record, error) {
	if opts.ImagePath == "" {
		return nil, errdefs.InvalidConfigf("an image path is required")
	}

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
		ID:          id,
		Bundle:      bundle,
		Status:      store.StatusCreating,
		OwnerPid:    os.Getpid(),
		CreatedAt:   e.now(),
		Annotations: spec.Annotations,
		Config:      spec,
	}

	plan, err := e.buildPlan(rec)
	if err != nil {
		return nil, err
	}
	rec.CgroupPath = plan.Cgroup.Path

	if err := e.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	cg, pid, startTime, err := e.restore(ctx, rec, plan, opts)
	if err != nil {
		e.abortCreate(id, cg)
		return nil, err
	}

	rec, err = e.store.Update(ctx, id, func(r *store.Record) error {
		startedAt := e.now()
		r.Status = store.StatusRunning
		r.OwnerPid = 0
		r.CgroupPath = cg.Path()
		r.InitPid = pid
		r.InitStartTime = startTime
		r.StartedAt = &startedAt
		return nil
	})
	if err != nil {
		e.abortCreate(id, cg)
		return nil, err
	}

	e.emitTransition(id, "", store.StatusRunning)
	slog.Debug("container restored", "id", id, "pid", pid)

	return rec, nil
}

func (e *Engine) restore(
	ctx context.Context,
	rec *store.Record,
	plan *resources.Plan,
	opts CheckpointOpts,
) (Cgroup, int, int64, error) {
	cg, err := e.cgroups.Create(plan.Cgroup)
	if err != nil {
		return nil, 0, 0, errdefs.ResourceSetupFailed(string(resources.StepCgroup), err)
	}

	pid, err := e.checkpointer.Restore(ctx, checkpoint.Options{
		ImagePath:      opts.ImagePath,
		WorkPath:       opts.WorkPath,
		TCPEstablished: opts.TCPEstablished,
		ShellJob:       opts.ShellJob,
		Root:           plan.Rootfs,
		CgroupPath:     cg.Path(),
		Mounts:         externalMounts(rec.Config),
	})
	if err != nil {
		return cg, 0, 0, errdefs.ResourceSetupFailed(string(resources.StepExec), err)
	}

	startTime, err := e.supervisor.StartTime(pid)
	if err != nil {
		return cg, 0, 0, errdefs.ResourceSetupFailed(string(resources.StepExec), err)
	}

	return cg, pid, startTime, nil
}

// externalMounts returns the bind mounts of spec, which CRIU can't dump
// and has to be told about.
func externalMounts(spec *specs.Spec) []checkpoint.ExternalMount {
	if spec == nil {
		return nil
	}

	var mounts []checkpoint.ExternalMount
	for _, m := range spec.Mounts {
		if m.Type != "bind" && !slices.Contains(m.Options, "bind") && !slices.Contains(m.Options, "rbind") {
			continue
		}

		mounts = append(mounts, checkpoint.ExternalMount{
			Destination: filepath.Clean(m.Destination),
			Source:      m.Source,
		})
	}

	return mounts
}
