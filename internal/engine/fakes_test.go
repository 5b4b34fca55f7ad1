package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/nixpig/kiln/internal/checkpoint"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	nextPid  int
	alive    map[int]bool
	spawns   int
	spawnErr error
	// ignore lists signals processes survive.
	ignore   []unix.Signal
	signals  []unix.Signal
	waitExit supervisor.ExitStatus
}

func newFakeSupervisor() *fakeSupervisor {
	// The test process stands in for a live owner.
	return &fakeSupervisor{nextPid: 100000, alive: map[int]bool{os.Getpid(): true}}
}

func (s *fakeSupervisor) Spawn(_ context.Context, req supervisor.SpawnRequest) (*supervisor.SpawnResult, error) {
	s.mu.Lock()
	if s.spawnErr != nil {
		s.mu.Unlock()
		return nil, s.spawnErr
	}
	pid := s.nextPid
	s.nextPid++
	s.spawns++
	s.alive[pid] = true
	s.mu.Unlock()

	if err := req.Cgroup.AddProc(pid); err != nil {
		return nil, err
	}

	if req.Observer != nil {
		req.Observer.ProcessStateChanged(pid, supervisor.StateReady, "", nil)
	}

	return &supervisor.SpawnResult{Pid: pid, StartTime: int64(pid) * 10}, nil
}

func (s *fakeSupervisor) Alive(pid int, startTime int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alive[pid] && (startTime == 0 || startTime == int64(pid)*10)
}

func (s *fakeSupervisor) StartTime(pid int) (int64, error) {
	if !s.Alive(pid, 0) {
		return 0, errdefs.ErrProcessNotFound
	}

	return int64(pid) * 10, nil
}

func (s *fakeSupervisor) Signal(pid int, startTime int64, sig unix.Signal) error {
	if !s.Alive(pid, startTime) {
		return fmt.Errorf("%w: pid %d", errdefs.ErrProcessNotFound, pid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.signals = append(s.signals, sig)
	if !slices.Contains(s.ignore, sig) {
		s.alive[pid] = false
	}

	return nil
}

func (s *fakeSupervisor) Wait(_ context.Context, pid int) (supervisor.ExitStatus, error) {
	s.exit(pid)

	return s.waitExit, nil
}

func (s *fakeSupervisor) Kill(
	_ context.Context,
	pid int,
	startTime int64,
	sig unix.Signal,
	policy supervisor.KillPolicy,
) (supervisor.ExitStatus, bool, error) {
	if err := s.Signal(pid, startTime, sig); err != nil {
		return supervisor.ExitStatus{}, false, err
	}

	if !policy.Wait {
		return supervisor.ExitStatus{}, false, nil
	}

	if !s.Alive(pid, 0) {
		return supervisor.ExitStatus{Signal: sig, Known: true}, true, nil
	}

	if !policy.Escalate {
		return supervisor.ExitStatus{}, false, nil
	}

	s.exit(pid)

	return supervisor.ExitStatus{Signal: unix.SIGKILL, Known: true}, true, nil
}

func (s *fakeSupervisor) exit(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alive[pid] = false
}

func (s *fakeSupervisor) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spawns
}

type fakeCgroup struct {
	mu        sync.Mutex
	sup       *fakeSupervisor
	path      string
	procs     []int
	frozen    bool
	deleted   bool
	resources *specs.LinuxResources
	oomKills  uint64
}

func (c *fakeCgroup) Path() string { return c.path }

func (c *fakeCgroup) AddProc(pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.procs = append(c.procs, pid)
	return nil
}

func (c *fakeCgroup) Update(r *specs.LinuxResources) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resources = r
	return nil
}

func (c *fakeCgroup) Freeze() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frozen = true
	return nil
}

func (c *fakeCgroup) Thaw() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frozen = false
	return nil
}

func (c *fakeCgroup) Frozen() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.frozen, nil
}

func (c *fakeCgroup) Pids() ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.procs), nil
}

func (c *fakeCgroup) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pid := range c.procs {
		c.sup.exit(pid)
	}
	c.procs = nil

	return nil
}

func (c *fakeCgroup) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deleted = true
	return nil
}

func (c *fakeCgroup) Stats() (*stats.Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &stats.Metrics{
		Pids:         &stats.PidsStat{Current: uint64(len(c.procs))},
		MemoryEvents: &stats.MemoryEvents{OomKill: c.oomKills},
	}, nil
}

type fakeCgroups struct {
	mu        sync.Mutex
	sup       *fakeSupervisor
	groups    map[string]*fakeCgroup
	createErr error
	// onCreate runs after a cgroup is created.
	onCreate func(path string)
}

func (f *fakeCgroups) Create(c resources.Cgroup) (Cgroup, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return nil, f.createErr
	}

	cg := &fakeCgroup{sup: f.sup, path: c.Path, resources: c.Resources}
	f.groups[c.Path] = cg
	onCreate := f.onCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(c.Path)
	}

	return cg, nil
}

func (f *fakeCgroups) Load(path string) (Cgroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cg, ok := f.groups[path]
	if !ok || cg.deleted {
		return nil, fmt.Errorf("load cgroup %s: %w", path, os.ErrNotExist)
	}

	return cg, nil
}

func (f *fakeCgroups) Contains(path string, pid int) bool {
	f.mu.Lock()
	cg, ok := f.groups[path]
	f.mu.Unlock()

	if !ok {
		return false
	}

	pids, _ := cg.Pids()
	return slices.Contains(pids, pid)
}

func (f *fakeCgroups) get(path string) *fakeCgroup {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.groups[path]
}

type fakeCheckpointer struct {
	dumped     int
	dumpOpts   checkpoint.Options
	restorePid int
	restoreErr error
}

func (c *fakeCheckpointer) Dump(_ context.Context, pid int, opts checkpoint.Options) (*checkpoint.Image, error) {
	c.dumped = pid
	c.dumpOpts = opts
	return &checkpoint.Image{Path: opts.ImagePath}, nil
}

func (c *fakeCheckpointer) Restore(_ context.Context, opts checkpoint.Options) (int, error) {
	if c.restoreErr != nil {
		return 0, c.restoreErr
	}

	return c.restorePid, nil
}

type testEnv struct {
	engine  *Engine
	sup     *fakeSupervisor
	cgroups *fakeCgroups
	criu    *fakeCheckpointer
	store   *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	sup := newFakeSupervisor()
	cgroups := &fakeCgroups{sup: sup, groups: map[string]*fakeCgroup{}}
	criu := &fakeCheckpointer{}

	e := New(st, sup, cgroups, criu, Options{
		Host:         resources.AllNamespaces(),
		CgroupParent: "/kiln-test",
		HookTimeout:  5 * time.Second,
		KillGrace:    time.Second,
		KillTimeout:  time.Second,
	})

	return &testEnv{engine: e, sup: sup, cgroups: cgroups, criu: criu, store: st}
}

func testSpec() *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Root:    &specs.Root{Path: "rootfs"},
		Process: &specs.Process{
			Args: []string{"sh"},
			Cwd:  "/",
			Env:  []string{"PATH=/usr/bin:/bin"},
		},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
			},
		},
	}
}

// writeBundle writes a bundle for spec and returns its path.
func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "rootfs"), 0o755))

	b, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644))

	return dir
}

// running creates and starts a container with the default spec.
func (env *testEnv) running(t *testing.T, id string) *store.Record {
	t.Helper()

	_, err := env.engine.Create(context.Background(), id, writeBundle(t, testSpec()), CreateOpts{})
	require.NoError(t, err)

	rec, err := env.engine.Start(context.Background(), id, StartOpts{})
	require.NoError(t, err)

	return rec
}

var errBoom = errors.New("boom")
