package cri

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/execbridge"
	"github.com/nixpig/kiln/internal/logging"
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

type fakeRuntime struct {
	mu      sync.Mutex
	records map[string]*store.Record
	killed  []engine.KillOpts
	patches []*specs.LinuxResources
}

func newFakeRuntime(records ...*store.Record) *fakeRuntime {
	f := &fakeRuntime{records: map[string]*store.Record{}}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRuntime) get(id string) (*store.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRuntime) set(id string, s store.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].Status = s
}

func (f *fakeRuntime) State(id string) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(id)
}

func (f *fakeRuntime) List() ([]*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*store.Record
	for id := range f.records {
		r, _ := f.get(id)
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string, opts engine.StartOpts) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.records[id]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	if r.Status != store.StatusCreated {
		return nil, errdefs.InvalidState(string(r.Status), "start")
	}
	r.Status = store.StatusRunning
	return f.get(id)
}

func (f *fakeRuntime) Kill(ctx context.Context, id string, sig unix.Signal, opts engine.KillOpts) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.killed = append(f.killed, opts)
	f.records[id].Status = store.StatusStopped
	return f.get(id)
}

func (f *fakeRuntime) DefaultKillOpts() engine.KillOpts {
	return engine.KillOpts{Grace: 10 * time.Second, Timeout: 5 * time.Second}
}

func (f *fakeRuntime) Delete(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.records[id]; !ok {
		return errdefs.ErrNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRuntime) Update(ctx context.Context, id string, patch *specs.LinuxResources) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.patches = append(f.patches, patch)
	return f.get(id)
}

func (f *fakeRuntime) kills() []engine.KillOpts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.KillOpts(nil), f.killed...)
}

func (f *fakeRuntime) updates() []*specs.LinuxResources {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*specs.LinuxResources(nil), f.patches...)
}

type fakeExecutor struct {
	code int
	err  error
}

func (f *fakeExecutor) Exec(ctx context.Context, id string, s *execbridge.Session) (int, error) {
	if f.err != nil {
		return -1, f.err
	}

	fmt.Fprintf(s.Stdout, "ran %v", s.Args)
	fmt.Fprint(s.Stderr, "warning")

	return f.code, nil
}

// strandedExecutor leaves a copy of the session's output open, as a
// process the command forked would, and returns once ctx is done.
type strandedExecutor struct {
	mu  sync.Mutex
	fds []int
}

func (f *strandedExecutor) Exec(ctx context.Context, id string, s *execbridge.Session) (int, error) {
	fd, err := unix.Dup(int(s.Stdout.Fd()))
	if err != nil {
		return -1, err
	}

	f.mu.Lock()
	f.fds = append(f.fds, fd)
	f.mu.Unlock()

	<-ctx.Done()

	return -1, fmt.Errorf("wait for exec session: %w", ctx.Err())
}

func (f *strandedExecutor) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fd := range f.fds {
		unix.Close(fd)
	}
}

func setupTestServerAndClient(
	t *testing.T,
	runtime Runtime,
	executor Executor,
) runtimeapi.RuntimeServiceClient {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "test.sock")

	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	server := newCRIServer(listener, runtime, executor, "1.2.3", logging.NewLogger(io.Discard, false, "text"))
	server.eventInterval = 10 * time.Millisecond

	go func() {
		_ = server.start()
	}()

	t.Cleanup(func() {
		server.shutdown()
	})

	clientConn, err := grpc.NewClient(
		"unix:"+socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		clientConn.Close()
	})

	return runtimeapi.NewRuntimeServiceClient(clientConn)
}

func assertGRPCStatus(t *testing.T, err error, want codes.Code) {
	t.Helper()

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, want, st.Code())
}

func testRecord(id string, s store.Status) *store.Record {
	return &store.Record{
		ID:        id,
		Status:    s,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCRIServer_Unimplemented(t *testing.T) {
	client := setupTestServerAndClient(t, newFakeRuntime(), &fakeExecutor{})

	_, err := client.RunPodSandbox(t.Context(), &runtimeapi.RunPodSandboxRequest{})
	assertGRPCStatus(t, err, codes.Unimplemented)
}

func TestCRIServer_Version(t *testing.T) {
	client := setupTestServerAndClient(t, newFakeRuntime(), &fakeExecutor{})

	resp, err := client.Version(t.Context(), &runtimeapi.VersionRequest{})
	require.NoError(t, err)

	assert.Equal(t, "kiln", resp.RuntimeName)
	assert.Equal(t, "1.2.3", resp.RuntimeVersion)
	assert.Equal(t, "v1", resp.RuntimeApiVersion)
}

func TestCRIServer_Status(t *testing.T) {
	client := setupTestServerAndClient(t, newFakeRuntime(), &fakeExecutor{})

	resp, err := client.Status(t.Context(), &runtimeapi.StatusRequest{})
	require.NoError(t, err)

	conditions := map[string]bool{}
	for _, c := range resp.Status.Conditions {
		conditions[c.Type] = c.Status
	}

	assert.True(t, conditions[runtimeapi.RuntimeReady])
	assert.False(t, conditions[runtimeapi.NetworkReady])
}

func TestCRIServer_ListContainers(t *testing.T) {
	runtime := newFakeRuntime(
		testRecord("c1", store.StatusCreated),
		testRecord("c2", store.StatusRunning),
		testRecord("c3", store.StatusStopped),
	)
	client := setupTestServerAndClient(t, runtime, &fakeExecutor{})

	scenarios := map[string]struct {
		filter *runtimeapi.ContainerFilter
		want   []string
	}{
		"all": {
			want: []string{"c1", "c2", "c3"},
		},
		"by id": {
			filter: &runtimeapi.ContainerFilter{Id: "c2"},
			want:   []string{"c2"},
		},
		"by state": {
			filter: &runtimeapi.ContainerFilter{
				State: &runtimeapi.ContainerStateValue{State: runtimeapi.ContainerState_CONTAINER_EXITED},
			},
			want: []string{"c3"},
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			resp, err := client.ListContainers(t.Context(), &runtimeapi.ListContainersRequest{Filter: data.filter})
			require.NoError(t, err)

			var ids []string
			for _, c := range resp.Containers {
				ids = append(ids, c.Id)
			}
			assert.ElementsMatch(t, data.want, ids)
		})
	}
}

func TestCRIServer_ContainerStatus(t *testing.T) {
	exitCode := 3
	finished := time.Date(2024, 1, 2, 4, 0, 0, 0, time.UTC)

	rec := testRecord("c1", store.StatusStopped)
	rec.ExitCode = &exitCode
	rec.FinishedAt = &finished

	client := setupTestServerAndClient(t, newFakeRuntime(rec), &fakeExecutor{})

	resp, err := client.ContainerStatus(t.Context(), &runtimeapi.ContainerStatusRequest{ContainerId: "c1"})
	require.NoError(t, err)

	assert.Equal(t, runtimeapi.ContainerState_CONTAINER_EXITED, resp.Status.State)
	assert.Equal(t, int32(3), resp.Status.ExitCode)
	assert.Equal(t, finished.UnixNano(), resp.Status.FinishedAt)

	_, err = client.ContainerStatus(t.Context(), &runtimeapi.ContainerStatusRequest{ContainerId: "missing"})
	assertGRPCStatus(t, err, codes.NotFound)
}

func TestCRIServer_Lifecycle(t *testing.T) {
	runtime := newFakeRuntime(testRecord("c1", store.StatusCreated))
	client := setupTestServerAndClient(t, runtime, &fakeExecutor{})

	_, err := client.StartContainer(t.Context(), &runtimeapi.StartContainerRequest{ContainerId: "c1"})
	require.NoError(t, err)

	_, err = client.StartContainer(t.Context(), &runtimeapi.StartContainerRequest{ContainerId: "c1"})
	assertGRPCStatus(t, err, codes.FailedPrecondition)

	_, err = client.StopContainer(t.Context(), &runtimeapi.StopContainerRequest{ContainerId: "c1", Timeout: 2})
	require.NoError(t, err)

	killed := runtime.kills()
	require.Len(t, killed, 1)
	assert.True(t, killed[0].Wait)
	assert.True(t, killed[0].Escalate)
	assert.Equal(t, 2*time.Second, killed[0].Grace)

	// Already stopped.
	_, err = client.StopContainer(t.Context(), &runtimeapi.StopContainerRequest{ContainerId: "c1"})
	require.NoError(t, err)
	assert.Len(t, runtime.kills(), 1)

	_, err = client.RemoveContainer(t.Context(), &runtimeapi.RemoveContainerRequest{ContainerId: "c1"})
	require.NoError(t, err)

	_, err = client.RemoveContainer(t.Context(), &runtimeapi.RemoveContainerRequest{ContainerId: "c1"})
	require.NoError(t, err)
}

func TestCRIServer_UpdateContainerResources(t *testing.T) {
	runtime := newFakeRuntime(testRecord("c1", store.StatusRunning))
	client := setupTestServerAndClient(t, runtime, &fakeExecutor{})

	_, err := client.UpdateContainerResources(t.Context(), &runtimeapi.UpdateContainerResourcesRequest{
		ContainerId: "c1",
		Linux: &runtimeapi.LinuxContainerResources{
			MemoryLimitInBytes: 64 << 20,
			CpuQuota:           50000,
		},
	})
	require.NoError(t, err)

	patches := runtime.updates()
	require.Len(t, patches, 1)
	assert.Equal(t, int64(64<<20), *patches[0].Memory.Limit)
	assert.Equal(t, int64(50000), *patches[0].CPU.Quota)
	assert.Nil(t, patches[0].CPU.Shares)

	_, err = client.UpdateContainerResources(t.Context(), &runtimeapi.UpdateContainerResourcesRequest{ContainerId: "c1"})
	assertGRPCStatus(t, err, codes.InvalidArgument)
}

func TestCRIServer_ExecSync(t *testing.T) {
	runtime := newFakeRuntime(testRecord("c1", store.StatusRunning))

	scenarios := map[string]struct {
		executor *fakeExecutor
		cmd      []string
		code     codes.Code
	}{
		"success":       {executor: &fakeExecutor{code: 4}, cmd: []string{"ls"}, code: codes.OK},
		"empty command": {executor: &fakeExecutor{}, code: codes.InvalidArgument},
		"bad state": {
			executor: &fakeExecutor{err: errdefs.InvalidState("stopped", "exec")},
			cmd:      []string{"ls"},
			code:     codes.FailedPrecondition,
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			client := setupTestServerAndClient(t, runtime, data.executor)

			resp, err := client.ExecSync(t.Context(), &runtimeapi.ExecSyncRequest{
				ContainerId: "c1",
				Cmd:         data.cmd,
				Timeout:     5,
			})
			if data.code != codes.OK {
				assertGRPCStatus(t, err, data.code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "ran [ls]", string(resp.Stdout))
			assert.Equal(t, "warning", string(resp.Stderr))
			assert.Equal(t, int32(4), resp.ExitCode)
		})
	}
}

func TestCRIServer_ExecSyncTimeout(t *testing.T) {
	executor := &strandedExecutor{}
	t.Cleanup(executor.close)

	client := setupTestServerAndClient(t, newFakeRuntime(testRecord("c1", store.StatusRunning)), executor)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := client.ExecSync(ctx, &runtimeapi.ExecSyncRequest{
		ContainerId: "c1",
		Cmd:         []string{"sleep", "60"},
		Timeout:     1,
	})
	assertGRPCStatus(t, err, codes.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCRIServer_GetContainerEvents(t *testing.T) {
	runtime := newFakeRuntime(testRecord("c1", store.StatusCreated))
	client := setupTestServerAndClient(t, runtime, &fakeExecutor{})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	stream, err := client.GetContainerEvents(ctx, &runtimeapi.GetEventsRequest{})
	require.NoError(t, err)

	// Let the stream take its first snapshot before changing anything.
	time.Sleep(100 * time.Millisecond)
	runtime.set("c1", store.StatusRunning)

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.ContainerId)
	assert.Equal(t, runtimeapi.ContainerEventType_CONTAINER_STARTED_EVENT, ev.ContainerEventType)

	require.NoError(t, runtime.Delete(ctx, "c1", true))

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, runtimeapi.ContainerEventType_CONTAINER_DELETED_EVENT, ev.ContainerEventType)
}

func TestContainerEvent(t *testing.T) {
	scenarios := map[string]struct {
		from, to store.Status
		want     runtimeapi.ContainerEventType
		ok       bool
	}{
		"created":   {to: store.StatusCreated, want: runtimeapi.ContainerEventType_CONTAINER_CREATED_EVENT, ok: true},
		"started":   {from: store.StatusCreated, to: store.StatusRunning, want: runtimeapi.ContainerEventType_CONTAINER_STARTED_EVENT, ok: true},
		"resumed":   {from: store.StatusPaused, to: store.StatusRunning},
		"stopped":   {from: store.StatusRunning, to: store.StatusStopped, want: runtimeapi.ContainerEventType_CONTAINER_STOPPED_EVENT, ok: true},
		"unchanged": {from: store.StatusRunning, to: store.StatusRunning},
		"paused":    {from: store.StatusRunning, to: store.StatusPaused},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			got, ok := containerEvent(data.from, data.to)
			assert.Equal(t, data.ok, ok)
			assert.Equal(t, data.want, got)
		})
	}
}
