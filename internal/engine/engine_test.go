package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/events"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func journalTypes(t *testing.T, env *testEnv, id string) []string {
	t.Helper()

	evs, err := env.engine.journal(id).Since(0)
	require.NoError(t, err)

	var out []string
	for _, ev := range evs {
		switch ev.Type {
		case events.TypeTransition:
			out = append(out, ev.From+">"+ev.To)
		case events.TypeProcess:
			out = append(out, "process:"+ev.State)
		default:
			out = append(out, string(ev.Type))
		}
	}

	return out
}

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	spec := testSpec()
	spec.Hostname = "c1"
	spec.Linux.Namespaces = append(spec.Linux.Namespaces,
		specs.LinuxNamespace{Type: specs.UTSNamespace},
		specs.LinuxNamespace{Type: specs.CgroupNamespace},
	)
	limit := int64(100 * 1024 * 1024)
	spec.Linux.Resources = &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &limit}}

	// Ps reads real process details, so use a pid that exists.
	env.sup.nextPid = os.Getpid()

	rec, err := env.engine.Create(ctx, "c1", writeBundle(t, spec), CreateOpts{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, rec.Status)
	assert.Zero(t, rec.InitPid)
	assert.Equal(t, "/kiln-test/c1", rec.CgroupPath)

	cg := env.cgroups.get(rec.CgroupPath)
	require.NotNil(t, cg)
	assert.Equal(t, limit, *cg.resources.Memory.Limit)

	rec, err = env.engine.Start(ctx, "c1", StartOpts{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)
	assert.Equal(t, os.Getpid(), rec.InitPid)
	assert.NotNil(t, rec.StartedAt)
	assert.Contains(t, cg.procs, rec.InitPid)

	rec, err = env.engine.Pause(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, rec.Status)
	assert.True(t, cg.frozen)

	procs, err := env.engine.Ps("c1")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, os.Getpid(), procs[0].Pid)
	assert.NotEmpty(t, procs[0].Command)

	rec, err = env.engine.Kill(ctx, "c1", unix.SIGKILL, KillOpts{All: true, Wait: true, Grace: time.Second})
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, rec.Status)
	assert.Zero(t, rec.InitPid)
	assert.NotNil(t, rec.FinishedAt)

	require.NoError(t, env.engine.Delete(ctx, "c1", false))
	assert.True(t, cg.deleted)

	_, err = env.engine.State("c1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestLifecycleJournal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.running(t, "c1")

	_, err := env.engine.Pause(ctx, "c1")
	require.NoError(t, err)
	_, err = env.engine.Resume(ctx, "c1")
	require.NoError(t, err)
	_, err = env.engine.Kill(ctx, "c1", unix.SIGTERM, KillOpts{Wait: true, Grace: time.Second})
	require.NoError(t, err)

	assert.Equal(t, []string{
		">created",
		"process:ready",
		"created>running",
		"running>paused",
		"paused>running",
		"process:exited",
		"running>stopped",
	}, journalTypes(t, env, "c1"))
}

func TestCreateErrors(t *testing.T) {
	scenarios := map[string]struct {
		setup func(t *testing.T, env *testEnv) (string, string)
		kind  errdefs.Kind
		step  string
	}{
		"invalid id": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				return "../escape", writeBundle(t, testSpec())
			},
			kind: errdefs.KindInvalidConfig,
		},
		"missing bundle": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				return "c1", filepath.Join(t.TempDir(), "missing")
			},
			kind: errdefs.KindInvalidConfig,
		},
		"unparseable config": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				dir := t.TempDir()
				require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0o644))
				return "c1", dir
			},
			kind: errdefs.KindInvalidConfig,
		},
		"empty args": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				spec := testSpec()
				spec.Process.Args = nil
				return "c1", writeBundle(t, spec)
			},
			kind: errdefs.KindInvalidConfig,
		},
		"no freezer": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				env.cgroups.createErr = errBoom
				return "c1", writeBundle(t, testSpec())
			},
			kind: errdefs.KindResourceSetupFailed,
			step: "cgroup",
		},
		"failing createRuntime hook": {
			setup: func(t *testing.T, env *testEnv) (string, string) {
				spec := testSpec()
				spec.Hooks = &specs.Hooks{CreateRuntime: []specs.Hook{{Path: "/bin/false"}}}
				return "c1", writeBundle(t, spec)
			},
			kind: errdefs.KindResourceSetupFailed,
			step: "hooks",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)

			id, bundle := config.setup(t, env)

			_, err := env.engine.Create(context.Background(), id, bundle, CreateOpts{})
			require.Error(t, err)
			assert.Equal(t, config.kind, errdefs.KindOf(err))
			assert.Equal(t, config.step, errdefs.Step(err))
			assert.Equal(t, errdefs.ExitCode(err) == errdefs.ExitUserError, config.kind == errdefs.KindInvalidConfig)

			// Nothing is left behind.
			_, err = env.store.Get(id)
			assert.ErrorIs(t, err, errdefs.ErrNotFound)
			assert.Zero(t, env.sup.spawnCount())

			for _, cg := range env.cgroups.groups {
				assert.True(t, cg.deleted)
			}
		})
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	bundle := writeBundle(t, testSpec())

	_, err := env.engine.Create(context.Background(), "c1", bundle, CreateOpts{})
	require.NoError(t, err)

	_, err = env.engine.Create(context.Background(), "c1", bundle, CreateOpts{})
	assert.Equal(t, errdefs.KindAlreadyExists, errdefs.KindOf(err))

	rec, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, rec.Status)
}

func TestUnsupportedNamespaceFailsBeforeFork(t *testing.T) {
	spec := testSpec()
	spec.Linux.Namespaces = append(spec.Linux.Namespaces, specs.LinuxNamespace{Type: specs.TimeNamespace})

	limited := resources.AllNamespaces()
	delete(limited.Namespaces, specs.TimeNamespace)

	t.Run("at create", func(t *testing.T) {
		env := newTestEnv(t)
		env.engine.opts.Host = limited

		_, err := env.engine.Create(context.Background(), "c2", writeBundle(t, spec), CreateOpts{})
		assert.Equal(t, errdefs.KindInvalidConfig, errdefs.KindOf(err))
		assert.Zero(t, env.sup.spawnCount())
	})

	t.Run("at start", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.engine.Create(context.Background(), "c2", writeBundle(t, spec), CreateOpts{})
		require.NoError(t, err)

		env.engine.opts.Host = limited

		_, err = env.engine.Start(context.Background(), "c2", StartOpts{})
		assert.Equal(t, errdefs.KindInvalidConfig, errdefs.KindOf(err))
		assert.Zero(t, env.sup.spawnCount())

		rec, err := env.engine.State("c2")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCreated, rec.Status)
	})
}

func TestIllegalTransitions(t *testing.T) {
	scenarios := map[string]struct {
		status store.Status
		op     func(e *Engine, id string) error
	}{
		"start running": {
			status: store.StatusRunning,
			op: func(e *Engine, id string) error {
				_, err := e.Start(context.Background(), id, StartOpts{})
				return err
			},
		},
		"pause created": {
			status: store.StatusCreated,
			op: func(e *Engine, id string) error {
				_, err := e.Pause(context.Background(), id)
				return err
			},
		},
		"resume running": {
			status: store.StatusRunning,
			op: func(e *Engine, id string) error {
				_, err := e.Resume(context.Background(), id)
				return err
			},
		},
		"kill created": {
			status: store.StatusCreated,
			op: func(e *Engine, id string) error {
				_, err := e.Kill(context.Background(), id, unix.SIGTERM, KillOpts{})
				return err
			},
		},
		"delete running": {
			status: store.StatusRunning,
			op: func(e *Engine, id string) error {
				return e.Delete(context.Background(), id, false)
			},
		},
		"update created": {
			status: store.StatusCreated,
			op: func(e *Engine, id string) error {
				_, err := e.Update(context.Background(), id, &specs.LinuxResources{})
				return err
			},
		},
		"checkpoint created": {
			status: store.StatusCreated,
			op: func(e *Engine, id string) error {
				_, err := e.Checkpoint(context.Background(), id, CheckpointOpts{ImagePath: "/tmp/img"})
				return err
			},
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)

			if config.status == store.StatusRunning {
				env.running(t, "c1")
			} else {
				_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
				require.NoError(t, err)
			}

			err := config.op(env.engine, "c1")
			require.Error(t, err)
			assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
			assert.Equal(t, errdefs.ExitUserError, errdefs.ExitCode(err))

			rec, err := env.engine.State("c1")
			require.NoError(t, err)
			assert.Equal(t, config.status, rec.Status)
		})
	}
}

func TestStartSpawnFailureLeavesCreated(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
	require.NoError(t, err)

	env.sup.spawnErr = errdefs.ResourceSetupFailed("mounts", errBoom)

	_, err = env.engine.Start(context.Background(), "c1", StartOpts{})
	assert.Equal(t, "mounts", errdefs.Step(err))
	assert.Equal(t, errdefs.ExitRuntimeError, errdefs.ExitCode(err))

	rec, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, rec.Status)
	assert.Zero(t, rec.InitPid)
}

func TestStartWritesPidFile(t *testing.T) {
	env := newTestEnv(t)
	pidFile := filepath.Join(t.TempDir(), "pid")

	_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{PidFile: pidFile})
	require.NoError(t, err)

	rec, err := env.engine.Start(context.Background(), "c1", StartOpts{})
	require.NoError(t, err)

	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(rec.InitPid), string(b))
}

func TestReconcileOnRead(t *testing.T) {
	env := newTestEnv(t)
	rec := env.running(t, "c1")

	// The init process dies without the runtime noticing.
	env.sup.exit(rec.InitPid)

	state, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, state.Status)

	list, err := env.engine.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.StatusStopped, list[0].Status)

	// Reads don't write.
	persisted, err := env.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, persisted.Status)

	// A refused mutation still persists the reconciliation.
	_, err = env.engine.Kill(context.Background(), "c1", unix.SIGTERM, KillOpts{})
	assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))

	persisted, err = env.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, persisted.Status)

	require.NoError(t, env.engine.Delete(context.Background(), "c1", false))
}

func TestReconcilePidLeftCgroup(t *testing.T) {
	env := newTestEnv(t)
	rec := env.running(t, "c1")

	cg := env.cgroups.get(rec.CgroupPath)
	cg.procs = nil

	state, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, state.Status)
}

func TestReconcileDeadOwner(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Create(context.Background(), &store.Record{
		ID:       "c1",
		Bundle:   "/bundle",
		Status:   store.StatusCreating,
		OwnerPid: 99999999,
	}))

	rec, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, rec.Status)

	require.NoError(t, env.engine.Delete(context.Background(), "c1", false))

	_, err = env.engine.State("c1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestReconcileInterruptedStart(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
	require.NoError(t, err)

	// The init process is spawned but the invocation dies before
	// committing Running.
	cg := env.cgroups.get(created.CgroupPath)
	res, err := env.sup.Spawn(context.Background(), supervisor.SpawnRequest{Cgroup: cg})
	require.NoError(t, err)

	state, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, state.Status)
	assert.Equal(t, res.Pid, state.InitPid)
	assert.NotNil(t, state.StartedAt)

	_, err = env.engine.Start(context.Background(), "c1", StartOpts{})
	assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
	assert.Equal(t, 1, env.sup.spawnCount())

	persisted, err := env.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, persisted.Status)
	assert.Equal(t, res.Pid, persisted.InitPid)
	assert.Equal(t, res.StartTime, persisted.InitStartTime)
}

func TestReconcileFreezer(t *testing.T) {
	scenarios := map[string]struct {
		pause  bool
		frozen bool
		want   store.Status
	}{
		"frozen behind running record": {
			frozen: true,
			want:   store.StatusPaused,
		},
		"thawed behind paused record": {
			pause:  true,
			frozen: false,
			want:   store.StatusRunning,
		},
		"frozen and paused agree": {
			pause:  true,
			frozen: true,
			want:   store.StatusPaused,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.running(t, "c1")

			if config.pause {
				_, err := env.engine.Pause(context.Background(), "c1")
				require.NoError(t, err)
			}

			// The invocation changing the freezer dies before committing.
			cg := env.cgroups.get(rec.CgroupPath)
			if config.frozen {
				require.NoError(t, cg.Freeze())
			} else {
				require.NoError(t, cg.Thaw())
			}

			state, err := env.engine.State("c1")
			require.NoError(t, err)
			assert.Equal(t, config.want, state.Status)
		})
	}
}

func TestCreateRecordsCgroupBeforeCreatingIt(t *testing.T) {
	env := newTestEnv(t)

	var during *store.Record
	env.cgroups.onCreate = func(string) {
		rec, err := env.store.Get("c1")
		require.NoError(t, err)
		during = rec
	}

	_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
	require.NoError(t, err)

	require.NotNil(t, during)
	assert.Equal(t, store.StatusCreating, during.Status)
	assert.Equal(t, "/kiln-test/c1", during.CgroupPath)
}

func TestDeleteAfterCrashedCreate(t *testing.T) {
	env := newTestEnv(t)

	// The creating invocation died after making the cgroup.
	require.NoError(t, env.store.Create(context.Background(), &store.Record{
		ID:         "c1",
		Bundle:     "/bundle",
		Status:     store.StatusCreating,
		OwnerPid:   99999999,
		CgroupPath: "/kiln-test/c1",
	}))
	_, err := env.cgroups.Create(resources.Cgroup{Path: "/kiln-test/c1"})
	require.NoError(t, err)

	require.NoError(t, env.engine.Delete(context.Background(), "c1", false))

	assert.True(t, env.cgroups.get("/kiln-test/c1").deleted)

	_, err = env.engine.State("c1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestTransientWithLiveOwnerIsBusy(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.Create(context.Background(), &store.Record{
		ID:       "c1",
		Bundle:   "/bundle",
		Status:   store.StatusCreating,
		OwnerPid: os.Getpid(),
	}))

	err := env.engine.Delete(context.Background(), "c1", false)
	assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
}

func TestKill(t *testing.T) {
	scenarios := map[string]struct {
		sig    unix.Signal
		opts   KillOpts
		ignore []unix.Signal
		status store.Status
		exit   *int
	}{
		"no wait leaves status": {
			sig:    unix.SIGTERM,
			status: store.StatusRunning,
		},
		"graceful exit": {
			sig:    unix.SIGTERM,
			opts:   KillOpts{Wait: true, Grace: time.Second},
			status: store.StatusStopped,
			exit:   ptr(128 + int(unix.SIGTERM)),
		},
		"escalates": {
			sig:    unix.SIGTERM,
			opts:   KillOpts{Wait: true, Grace: time.Second, Escalate: true},
			ignore: []unix.Signal{unix.SIGTERM},
			status: store.StatusStopped,
			exit:   ptr(128 + int(unix.SIGKILL)),
		},
		"ignored without escalation": {
			sig:    unix.SIGTERM,
			opts:   KillOpts{Wait: true, Grace: time.Second},
			ignore: []unix.Signal{unix.SIGTERM},
			status: store.StatusRunning,
		},
		"all processes": {
			sig:    unix.SIGKILL,
			opts:   KillOpts{All: true, Wait: true},
			status: store.StatusStopped,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)
			env.running(t, "c1")
			env.sup.ignore = config.ignore

			rec, err := env.engine.Kill(context.Background(), "c1", config.sig, config.opts)
			require.NoError(t, err)

			assert.Equal(t, config.status, rec.Status)
			assert.Equal(t, config.exit, rec.ExitCode)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestDelete(t *testing.T) {
	t.Run("force kills a running container", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.running(t, "c1")

		require.NoError(t, env.engine.Delete(context.Background(), "c1", true))

		assert.False(t, env.sup.Alive(rec.InitPid, 0))
		assert.True(t, env.cgroups.get(rec.CgroupPath).deleted)

		_, err := env.store.Get("c1")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)
	})

	t.Run("second delete is not found", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
		require.NoError(t, err)

		require.NoError(t, env.engine.Delete(context.Background(), "c1", false))

		err = env.engine.Delete(context.Background(), "c1", false)
		assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
	})

	t.Run("runs poststop hooks", func(t *testing.T) {
		env := newTestEnv(t)
		marker := filepath.Join(t.TempDir(), "poststop")

		spec := testSpec()
		spec.Hooks = &specs.Hooks{Poststop: []specs.Hook{{
			Path: "/bin/sh",
			Args: []string{"sh", "-c", "cat > " + marker},
		}}}

		_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, spec), CreateOpts{})
		require.NoError(t, err)
		require.NoError(t, env.engine.Delete(context.Background(), "c1", false))

		b, err := os.ReadFile(marker)
		require.NoError(t, err)
		assert.Contains(t, string(b), `"id":"c1"`)
	})
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.running(t, "c1")

	limit := int64(64 * 1024 * 1024)
	rec, err := env.engine.Update(context.Background(), "c1", &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)

	assert.Equal(t, limit, *env.cgroups.get(rec.CgroupPath).resources.Memory.Limit)

	persisted, err := env.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, limit, *persisted.Config.Linux.Resources.Memory.Limit)

	tooSmall := int64(1024)
	_, err = env.engine.Update(context.Background(), "c1", &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &tooSmall},
	})
	assert.Equal(t, errdefs.KindInvalidConfig, errdefs.KindOf(err))
}

func TestCheckpointRestore(t *testing.T) {
	env := newTestEnv(t)

	spec := testSpec()
	spec.Mounts = []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/data/", Type: "bind", Source: "/srv/data", Options: []string{"rbind"}},
	}

	_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, spec), CreateOpts{})
	require.NoError(t, err)
	rec, err := env.engine.Start(context.Background(), "c1", StartOpts{})
	require.NoError(t, err)

	img, err := env.engine.Checkpoint(context.Background(), "c1", CheckpointOpts{ImagePath: "/tmp/c1-img"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c1-img", img.Path)
	assert.Equal(t, rec.InitPid, env.criu.dumped)
	assert.Equal(t, rec.CgroupPath, env.criu.dumpOpts.CgroupPath)
	require.Len(t, env.criu.dumpOpts.Mounts, 1)
	assert.Equal(t, "/data", env.criu.dumpOpts.Mounts[0].Destination)

	stopped, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, stopped.Status)

	_, err = env.engine.Restore(context.Background(), "c1", stopped.Bundle, CheckpointOpts{ImagePath: "/tmp/c1-img"})
	assert.Equal(t, errdefs.KindAlreadyExists, errdefs.KindOf(err))

	require.NoError(t, env.engine.Delete(context.Background(), "c1", false))

	env.criu.restorePid = 4242
	env.sup.alive[4242] = true

	restored, err := env.engine.Restore(context.Background(), "c1", stopped.Bundle, CheckpointOpts{ImagePath: "/tmp/c1-img"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, restored.Status)
	assert.Equal(t, 4242, restored.InitPid)
	assert.Equal(t, int64(42420), restored.InitStartTime)
}

func TestRestoreFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.criu.restoreErr = errBoom

	_, err := env.engine.Restore(context.Background(), "c1", writeBundle(t, testSpec()), CheckpointOpts{ImagePath: "/tmp/img"})
	assert.Equal(t, errdefs.KindResourceSetupFailed, errdefs.KindOf(err))

	_, err = env.store.Get("c1")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.True(t, env.cgroups.get("/kiln-test/c1").deleted)
}

func TestRunForeground(t *testing.T) {
	env := newTestEnv(t)
	env.sup.waitExit = supervisor.ExitStatus{Code: 3, Known: true}

	code, err := env.engine.Run(context.Background(), "c1", writeBundle(t, testSpec()), RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	rec, err := env.store.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
}

func TestRunDetached(t *testing.T) {
	env := newTestEnv(t)

	code, err := env.engine.Run(context.Background(), "c1", writeBundle(t, testSpec()), RunOpts{Detach: true})
	require.NoError(t, err)
	assert.Zero(t, code)

	rec, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Create(context.Background(), "c1", writeBundle(t, testSpec()), CreateOpts{})
	require.NoError(t, err)

	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Start(context.Background(), "c1", StartOpts{})
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	var ok, invalid int
	for err := range errs {
		switch errdefs.KindOf(err) {
		case "":
			ok++
		case errdefs.KindInvalidState:
			invalid++
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, invalid)
	assert.Equal(t, 1, env.sup.spawnCount())
}

func TestConcurrentOperationsKeepLegalStatus(t *testing.T) {
	env := newTestEnv(t)
	env.running(t, "c1")

	ops := []func() error{
		func() error { _, err := env.engine.Pause(context.Background(), "c1"); return err },
		func() error { _, err := env.engine.Resume(context.Background(), "c1"); return err },
		func() error { _, err := env.engine.State("c1"); return err },
	}

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ops[i%len(ops)]()
			if err != nil {
				assert.Equal(t, errdefs.KindInvalidState, errdefs.KindOf(err))
			}
		}()
	}
	wg.Wait()

	rec, err := env.engine.State("c1")
	require.NoError(t, err)
	assert.Contains(t, []store.Status{store.StatusRunning, store.StatusPaused}, rec.Status)

	cg := env.cgroups.get(rec.CgroupPath)
	assert.Equal(t, rec.Status == store.StatusPaused, cg.frozen)
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	env.running(t, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	var got []events.Event
	var mu sync.Mutex

	go func() {
		done <- env.engine.Events(ctx, "c1", EventsOpts{Interval: 100 * time.Millisecond}, func(ev events.Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.Delete(ctx, "c1", true))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("events did not stop after delete")
	}

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeDeleted, got[len(got)-1].Type)
}

func TestStatsSampling(t *testing.T) {
	env := newTestEnv(t)
	rec := env.running(t, "c1")

	cg := env.cgroups.get(rec.CgroupPath)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	// Stop sampling before the test's directories are removed.
	defer func() {
		cancel()
		<-done
	}()

	var (
		mu    sync.Mutex
		types []events.Type
	)

	go func() {
		defer close(done)
		_ = env.engine.Events(ctx, "c1", EventsOpts{Stats: true, Interval: 50 * time.Millisecond}, func(ev events.Event) error {
			mu.Lock()
			types = append(types, ev.Type)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ty := range types {
			if ty == events.TypeStats {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cg.mu.Lock()
	cg.oomKills++
	cg.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ty := range types {
			if ty == events.TypeOOM {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.running(t, "c1")

	s, err := env.engine.Stats("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Pids)
}

func TestEnter(t *testing.T) {
	scenarios := map[string]struct {
		paused       bool
		stopped      bool
		ignorePaused bool
		wantKind     errdefs.Kind
	}{
		"running": {},
		"paused": {
			paused:   true,
			wantKind: errdefs.KindInvalidState,
		},
		"paused ignored": {
			paused:       true,
			ignorePaused: true,
		},
		"stopped": {
			stopped:  true,
			wantKind: errdefs.KindInvalidState,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.running(t, "c1")

			if config.paused {
				_, err := env.engine.Pause(context.Background(), "c1")
				require.NoError(t, err)
			}
			if config.stopped {
				env.sup.exit(rec.InitPid)
			}

			var entered *ExecTarget
			err := env.engine.Enter(context.Background(), "c1", config.ignorePaused, func(target ExecTarget) error {
				entered = &target
				return nil
			})

			assert.Equal(t, config.wantKind, errdefs.KindOf(err))
			if config.wantKind != "" {
				assert.Nil(t, entered)
				return
			}

			require.NotNil(t, entered)
			assert.Equal(t, rec.InitPid, entered.Record.InitPid)
			assert.Equal(t, rec.CgroupPath, entered.Cgroup.Path())
		})
	}
}
