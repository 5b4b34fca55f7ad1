// Package engine implements the container lifecycle: the state machine over
// persisted records, and the operations that move containers through it.
//
// Every state-changing operation runs inside the store's per-container
// lock, so concurrent invocations against one id are serialised while
// different ids never contend.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/nixpig/kiln/internal/checkpoint"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/events"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const configFilename = "config.json"

// Supervisor spawns and tracks container processes.
type Supervisor interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.SpawnResult, error)
	Alive(pid int, startTime int64) bool
	StartTime(pid int) (int64, error)
	Signal(pid int, startTime int64, sig unix.Signal) error
	Wait(ctx context.Context, pid int) (supervisor.ExitStatus, error)
	Kill(
		ctx context.Context,
		pid int,
		startTime int64,
		sig unix.Signal,
		policy supervisor.KillPolicy,
	) (supervisor.ExitStatus, bool, error)
}

// Cgroup is a container's cgroup.
type Cgroup interface {
	Path() string
	AddProc(pid int) error
	Update(r *specs.LinuxResources) error
	Freeze() error
	Thaw() error
	Frozen() (bool, error)
	Pids() ([]int, error)
	Kill() error
	Delete() error
	Stats() (*stats.Metrics, error)
}

// Cgroups creates and opens container cgroups.
type Cgroups interface {
	Create(c resources.Cgroup) (Cgroup, error)
	Load(path string) (Cgroup, error)
	// Contains reports whether pid is in the group at path.
	Contains(path string, pid int) bool
}

// Checkpointer saves and restores process trees.
type Checkpointer interface {
	Dump(ctx context.Context, pid int, opts checkpoint.Options) (*checkpoint.Image, error)
	Restore(ctx context.Context, opts checkpoint.Options) (int, error)
}

// Options configure an Engine.
type Options struct {
	Host         resources.Host
	CgroupParent string
	HookTimeout  time.Duration
	KillGrace    time.Duration
	KillTimeout  time.Duration
}

// Engine runs lifecycle operations against a store.
type Engine struct {
	store        *store.Store
	supervisor   Supervisor
	cgroups      Cgroups
	checkpointer Checkpointer
	opts         Options
	now          func() time.Time
}

// New returns an Engine.
func New(
	st *store.Store,
	sup Supervisor,
	cgroups Cgroups,
	checkpointer Checkpointer,
	opts Options,
) *Engine {
	return &Engine{
		store:        st,
		supervisor:   sup,
		cgroups:      cgroups,
		checkpointer: checkpointer,
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) journal(id string) *events.Journal {
	return events.New(filepath.Join(e.store.Dir(id), events.FileName))
}

// emit appends ev to the container's journal. Journal failures never fail
// the operation that produced the event.
func (e *Engine) emit(ev events.Event) {
	if _, err := e.journal(ev.ID).Append(ev); err != nil {
		slog.Warn("failed to record event", "id", ev.ID, "type", ev.Type, "err", err)
	}
}

func (e *Engine) emitTransition(id string, from, to store.Status) {
	if from == to {
		return
	}

	e.emit(events.Event{
		Type: events.TypeTransition,
		ID:   id,
		From: string(from),
		To:   string(to),
	})
}

// observer records supervisor process state changes in the journal.
type observer struct {
	engine *Engine
	id     string
}

func (o observer) ProcessStateChanged(pid int, state supervisor.ProcessState, step string, err error) {
	ev := events.Event{
		Type:  events.TypeProcess,
		ID:    o.id,
		Pid:   pid,
		State: string(state),
		Step:  step,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	o.engine.emit(ev)
}

// loadSpec reads config.json from bundle.
func loadSpec(bundle string) (*specs.Spec, error) {
	b, err := os.ReadFile(filepath.Join(bundle, configFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.InvalidConfigf("bundle %s has no %s", bundle, configFilename)
		}
		return nil, fmt.Errorf("read %s: %w", configFilename, err)
	}

	var spec specs.Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, errdefs.InvalidConfigf("parse %s: %s", configFilename, err)
	}

	return &spec, nil
}

func (e *Engine) buildPlan(rec *store.Record) (*resources.Plan, error) {
	return resources.BuildPlan(rec.Config, e.opts.Host, resources.Options{
		ContainerID:  rec.ID,
		Bundle:       rec.Bundle,
		CgroupParent: e.opts.CgroupParent,
		Console:      rec.ConsoleSocket != "",
	})
}

func (e *Engine) loadCgroup(rec *store.Record) (Cgroup, error) {
	if rec.CgroupPath == "" {
		return nil, fmt.Errorf("container %s has no cgroup", rec.ID)
	}

	return e.cgroups.Load(rec.CgroupPath)
}

// PlatformCgroups is the Cgroups implementation backed by the host's
// cgroup v2 hierarchy.
type PlatformCgroups struct {
	Mountpoint string
}

func (p PlatformCgroups) Create(c resources.Cgroup) (Cgroup, error) {
	cg, err := platform.CreateCgroup(p.Mountpoint, c)
	if err != nil {
		return nil, err
	}

	return cg, nil
}

func (p PlatformCgroups) Load(path string) (Cgroup, error) {
	cg, err := platform.LoadCgroup(p.Mountpoint, path)
	if err != nil {
		return nil, err
	}

	return cg, nil
}

func (p PlatformCgroups) Contains(path string, pid int) bool {
	return platform.InCgroup(pid, path)
}
