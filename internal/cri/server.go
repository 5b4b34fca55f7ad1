// Package cri serves a subset of the CRI RuntimeService over the same
// engine the kiln CLI drives. Pod sandboxes, images and streaming are not
// served and return Unimplemented.
package cri

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/execbridge"
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

const (
	runtimeName       = "kiln"
	runtimeAPIVersion = "v1"
	// kubeAPIVersion is the version of the kubelet API served.
	kubeAPIVersion = "0.1.0"

	defaultEventInterval = time.Second
	shutdownTimeout      = 5 * time.Second
)

// Runtime is the part of the engine the server drives.
type Runtime interface {
	State(id string) (*store.Record, error)
	List() ([]*store.Record, error)
	Start(ctx context.Context, id string, opts engine.StartOpts) (*store.Record, error)
	Kill(ctx context.Context, id string, sig unix.Signal, opts engine.KillOpts) (*store.Record, error)
	DefaultKillOpts() engine.KillOpts
	Delete(ctx context.Context, id string, force bool) error
	Update(ctx context.Context, id string, patch *specs.LinuxResources) (*store.Record, error)
}

// Executor runs processes in containers.
type Executor interface {
	Exec(ctx context.Context, id string, s *execbridge.Session) (int, error)
}

type criServer struct {
	runtimeapi.UnimplementedImageServiceServer
	runtimeapi.UnimplementedRuntimeServiceServer

	runtime  Runtime
	executor Executor
	version  string
	// eventInterval is how often container statuses are compared when
	// streaming events.
	eventInterval time.Duration

	grpcServer *grpc.Server
	listener   net.Listener
	log        *slog.Logger

	mu sync.Mutex
}

func newCRIServer(
	listener net.Listener,
	runtime Runtime,
	executor Executor,
	version string,
	logger *slog.Logger,
) *criServer {
	return &criServer{
		listener:      listener,
		runtime:       runtime,
		executor:      executor,
		version:       version,
		eventInterval: defaultEventInterval,
		log:           logger,
	}
}

func (cs *criServer) start() error {
	cs.mu.Lock()

	cs.log.Info("starting server", "addr", cs.listener.Addr().String())

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(cs.unaryInterceptor),
		grpc.ChainStreamInterceptor(cs.streamInterceptor),
	)

	runtimeapi.RegisterImageServiceServer(grpcServer, cs)
	runtimeapi.RegisterRuntimeServiceServer(grpcServer, cs)

	cs.grpcServer = grpcServer

	cs.mu.Unlock()

	return grpcServer.Serve(cs.listener)
}

func (cs *criServer) shutdown() {
	cs.mu.Lock()

	cs.log.Info("shutting down server")

	grpcServer := cs.grpcServer

	cs.mu.Unlock()

	if grpcServer == nil {
		return
	}

	doneCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(shutdownTimeout):
		cs.log.Info("graceful shutdown timed out, terminating")
		grpcServer.Stop()
	}
}

// unaryInterceptor logs each request and maps engine errors onto gRPC
// status codes.
func (cs *criServer) unaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	cs.log.Debug("request", "method", info.FullMethod)

	resp, err := handler(ctx, req)
	if err != nil {
		cs.log.Warn("request failed", "method", info.FullMethod, "err", err)
		return nil, toGRPC(err)
	}

	return resp, nil
}

func (cs *criServer) streamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	cs.log.Debug("stream", "method", info.FullMethod)

	if err := handler(srv, ss); err != nil {
		cs.log.Warn("stream failed", "method", info.FullMethod, "err", err)
		return toGRPC(err)
	}

	return nil
}

// toGRPC leaves errors that already carry a status alone.
func toGRPC(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	return errgrpc.ToGRPC(err)
}

func (cs *criServer) Version(
	ctx context.Context,
	req *runtimeapi.VersionRequest,
) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{
		Version:           kubeAPIVersion,
		RuntimeName:       runtimeName,
		RuntimeVersion:    cs.version,
		RuntimeApiVersion: runtimeAPIVersion,
	}, nil
}

func (cs *criServer) Status(
	ctx context.Context,
	req *runtimeapi.StatusRequest,
) (*runtimeapi.StatusResponse, error) {
	runtimeReady := &runtimeapi.RuntimeCondition{
		Type:   runtimeapi.RuntimeReady,
		Status: true,
	}

	if _, err := cs.runtime.List(); err != nil {
		runtimeReady.Status = false
		runtimeReady.Reason = "StateUnreadable"
		runtimeReady.Message = err.Error()
	}

	return &runtimeapi.StatusResponse{
		Status: &runtimeapi.RuntimeStatus{
			Conditions: []*runtimeapi.RuntimeCondition{
				runtimeReady,
				{
					Type:    runtimeapi.NetworkReady,
					Status:  false,
					Reason:  "NetworkUnsupported",
					Message: "kiln does not configure container networking",
				},
			},
		},
	}, nil
}

func (cs *criServer) ListContainers(
	ctx context.Context,
	req *runtimeapi.ListContainersRequest,
) (*runtimeapi.ListContainersResponse, error) {
	records, err := cs.runtime.List()
	if err != nil {
		return nil, err
	}

	filter := req.GetFilter()

	containers := make([]*runtimeapi.Container, 0, len(records))
	for _, r := range records {
		c := toContainer(r)

		if filter != nil {
			if filter.GetId() != "" && filter.GetId() != c.Id {
				continue
			}
			if filter.GetState() != nil && filter.GetState().GetState() != c.State {
				continue
			}
		}

		containers = append(containers, c)
	}

	return &runtimeapi.ListContainersResponse{Containers: containers}, nil
}

func (cs *criServer) ContainerStatus(
	ctx context.Context,
	req *runtimeapi.ContainerStatusRequest,
) (*runtimeapi.ContainerStatusResponse, error) {
	rec, err := cs.runtime.State(req.GetContainerId())
	if err != nil {
		return nil, err
	}

	return &runtimeapi.ContainerStatusResponse{Status: toContainerStatus(rec)}, nil
}

func (cs *criServer) StartContainer(
	ctx context.Context,
	req *runtimeapi.StartContainerRequest,
) (*runtimeapi.StartContainerResponse, error) {
	if _, err := cs.runtime.Start(ctx, req.GetContainerId(), engine.StartOpts{}); err != nil {
		return nil, err
	}

	return &runtimeapi.StartContainerResponse{}, nil
}

// StopContainer sends SIGTERM and waits up to the request's timeout before
// escalating to SIGKILL. A container that has already stopped is left
// alone.
func (cs *criServer) StopContainer(
	ctx context.Context,
	req *runtimeapi.StopContainerRequest,
) (*runtimeapi.StopContainerResponse, error) {
	rec, err := cs.runtime.State(req.GetContainerId())
	if err != nil {
		return nil, err
	}

	if rec.Status == store.StatusStopped {
		return &runtimeapi.StopContainerResponse{}, nil
	}

	opts := cs.runtime.DefaultKillOpts()
	opts.Wait = true
	opts.Escalate = true
	if req.GetTimeout() > 0 {
		opts.Grace = time.Duration(req.GetTimeout()) * time.Second
	}

	if _, err := cs.runtime.Kill(ctx, rec.ID, unix.SIGTERM, opts); err != nil {
		return nil, err
	}

	return &runtimeapi.StopContainerResponse{}, nil
}

// RemoveContainer force deletes the container. Removing a container that
// doesn't exist succeeds.
func (cs *criServer) RemoveContainer(
	ctx context.Context,
	req *runtimeapi.RemoveContainerRequest,
) (*runtimeapi.RemoveContainerResponse, error) {
	if err := cs.runtime.Delete(ctx, req.GetContainerId(), true); err != nil {
		if status.Code(errgrpc.ToGRPC(err)) != codes.NotFound {
			return nil, err
		}
	}

	return &runtimeapi.RemoveContainerResponse{}, nil
}

func (cs *criServer) UpdateContainerResources(
	ctx context.Context,
	req *runtimeapi.UpdateContainerResourcesRequest,
) (*runtimeapi.UpdateContainerResourcesResponse, error) {
	patch := toLinuxResources(req.GetLinux())
	if patch == nil {
		return nil, status.Error(codes.InvalidArgument, "no linux resources given")
	}

	if _, err := cs.runtime.Update(ctx, req.GetContainerId(), patch); err != nil {
		return nil, err
	}

	return &runtimeapi.UpdateContainerResourcesResponse{}, nil
}

// ExecSync runs a command to completion and returns its output.
func (cs *criServer) ExecSync(
	ctx context.Context,
	req *runtimeapi.ExecSyncRequest,
) (*runtimeapi.ExecSyncResponse, error) {
	if len(req.GetCmd()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "cmd must not be empty")
	}

	if req.GetTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.GetTimeout())*time.Second)
		defer cancel()
	}

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	defer stdout.Close()

	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	defer stderr.Close()

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup

	wg.Go(func() { _, _ = io.Copy(&outBuf, stdout) })
	wg.Go(func() { _, _ = io.Copy(&errBuf, stderr) })

	code, err := cs.executor.Exec(ctx, req.GetContainerId(), &execbridge.Session{
		Args:   req.GetCmd(),
		Stdout: stdoutW,
		Stderr: stderrW,
	})

	stdoutW.Close()
	stderrW.Close()

	// Anything the command left behind may still hold the write ends.
	if err != nil {
		stdout.Close()
		stderr.Close()
	}
	wg.Wait()

	if err != nil {
		return nil, err
	}

	return &runtimeapi.ExecSyncResponse{
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: int32(code),
	}, nil
}

// GetContainerEvents streams lifecycle events for every container until
// the client goes away. Statuses are compared on each tick, so a container
// that passes through several states between ticks only reports its latest.
func (cs *criServer) GetContainerEvents(
	req *runtimeapi.GetEventsRequest,
	stream runtimeapi.RuntimeService_GetContainerEventsServer,
) error {
	ctx := stream.Context()

	seen := map[string]store.Status{}
	if records, err := cs.runtime.List(); err == nil {
		for _, r := range records {
			seen[r.ID] = r.Status
		}
	}

	ticker := time.NewTicker(cs.eventInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		records, err := cs.runtime.List()
		if err != nil {
			return err
		}

		current := make(map[string]store.Status, len(records))
		for _, r := range records {
			current[r.ID] = r.Status

			eventType, ok := containerEvent(seen[r.ID], r.Status)
			if !ok {
				continue
			}

			if err := stream.Send(&runtimeapi.ContainerEventResponse{
				ContainerId:        r.ID,
				ContainerEventType: eventType,
				CreatedAt:          time.Now().UnixNano(),
				ContainersStatuses: []*runtimeapi.ContainerStatus{toContainerStatus(r)},
			}); err != nil {
				return err
			}
		}

		for id := range seen {
			if _, ok := current[id]; ok {
				continue
			}

			if err := stream.Send(&runtimeapi.ContainerEventResponse{
				ContainerId:        id,
				ContainerEventType: runtimeapi.ContainerEventType_CONTAINER_DELETED_EVENT,
				CreatedAt:          time.Now().UnixNano(),
			}); err != nil {
				return err
			}
		}

		seen = current
	}
}

// containerEvent returns the event for a move from one status to another.
// An empty from means the container wasn't known before.
func containerEvent(from, to store.Status) (runtimeapi.ContainerEventType, bool) {
	if from == to {
		return 0, false
	}

	switch to {
	case store.StatusCreated:
		return runtimeapi.ContainerEventType_CONTAINER_CREATED_EVENT, true
	case store.StatusRunning:
		if from == store.StatusPaused {
			return 0, false
		}
		return runtimeapi.ContainerEventType_CONTAINER_STARTED_EVENT, true
	case store.StatusStopped:
		return runtimeapi.ContainerEventType_CONTAINER_STOPPED_EVENT, true
	default:
		return 0, false
	}
}
