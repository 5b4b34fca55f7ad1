// Package supervisor spawns container processes, drives the setup
// handshake with them and tracks them afterwards.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/ipc"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const (
	// EnvSyncFD names the fd of the child's end of the sync channel.
	EnvSyncFD = "_KILN_SYNC_FD"
	// EnvConsoleFD names the fd of the console socket connection.
	EnvConsoleFD = "_KILN_CONSOLE_FD"

	// InitCommand is the hidden subcommand the child is re-executed as.
	InitCommand = "init"
)

// ProcessState is the supervisor's view of a spawned process.
type ProcessState string

const (
	StateSpawning    ProcessState = "spawning"
	StateConfiguring ProcessState = "configuring"
	StateReady       ProcessState = "ready"
	StateExited      ProcessState = "exited"
)

// Observer is told about every process state change.
type Observer interface {
	ProcessStateChanged(pid int, state ProcessState, step string, err error)
}

type nopObserver struct{}

func (nopObserver) ProcessStateChanged(int, ProcessState, string, error) {}

// CgroupJoiner places a process in a cgroup.
type CgroupJoiner interface {
	AddProc(pid int) error
}

// Options configure a Supervisor.
type Options struct {
	// Self is the runtime binary re-executed for the child, by default
	// /proc/self/exe.
	Self string
	// Args are global flags passed to the child ahead of the init
	// subcommand, e.g. logging flags.
	Args             []string
	ReadinessTimeout time.Duration
	HookTimeout      time.Duration
}

// Supervisor spawns and tracks container init processes.
type Supervisor struct {
	opts Options
}

// New returns a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Self == "" {
		opts.Self = "/proc/self/exe"
	}

	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 10 * time.Second
	}

	return &Supervisor{opts: opts}
}

// SpawnRequest describes a process to start.
type SpawnRequest struct {
	Plan   *resources.Plan
	Cgroup CgroupJoiner
	// ConsoleSocket is the path of a unix socket that receives the pty
	// master when the process has a terminal.
	ConsoleSocket string
	Stdin         *os.File
	Stdout        *os.File
	Stderr        *os.File
	Observer      Observer
}

// SpawnResult identifies a started process.
type SpawnResult struct {
	Pid       int
	StartTime int64
}

// InitConfig is the payload of the plan message.
type InitConfig struct {
	Plan        *resources.Plan `json:"plan"`
	HookTimeout time.Duration   `json:"hookTimeout"`
}

// Spawn starts the container process for req.Plan and returns once it has
// exec'd the entrypoint. Any setup failure is a ResourceSetupError naming
// the step, and the child is killed and reaped.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	plan := req.Plan
	if err := plan.Validate(); err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}

	observer := req.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	if err := platform.ValidateNamespaces(plan.JoinNamespaces()); err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}

	parentSock, childSock, err := ipc.NewSocketPair("sync")
	if err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}
	defer parentSock.Close()
	defer childSock.Close()

	cmd := exec.Command(s.opts.Self, append(s.opts.Args, InitCommand)...)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.Env = append(
		[]string{fmt.Sprintf("%s=%d", EnvSyncFD, 3)},
		platform.GonsEnv(plan.JoinNamespaces())...,
	)

	if plan.Process.Terminal {
		console, err := dialConsole(req.ConsoleSocket)
		if err != nil {
			return nil, errdefs.ResourceSetupFailed(string(resources.StepConsole), err)
		}
		defer console.Close()

		cmd.ExtraFiles = append(cmd.ExtraFiles, console)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvConsoleFD, 4))
	}

	cmd.SysProcAttr = sysProcAttr(plan)

	if err := start(cmd, plan); err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}
	childSock.Close()

	pid := cmd.Process.Pid
	observer.ProcessStateChanged(pid, StateSpawning, "", nil)

	// From here on the child must not outlive a failure.
	fail := func(step string, cause error) error {
		_ = cmd.Process.Kill()
		_, _ = Wait(context.Background(), pid)
		observer.ProcessStateChanged(pid, StateExited, step, cause)
		return errdefs.ResourceSetupFailed(step, cause)
	}

	if err := req.Cgroup.AddProc(pid); err != nil {
		return nil, fail(string(resources.StepCgroupJoin), err)
	}

	ch, err := ipc.FileChannel(parentSock)
	if err != nil {
		return nil, fail(string(resources.StepNamespaces), err)
	}
	defer ch.Close()

	deadline := time.Now().Add(s.opts.ReadinessTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ch.SetDeadline(deadline); err != nil {
		return nil, fail(string(resources.StepNamespaces), err)
	}

	if err := ch.SendPayload(ipc.MsgPlan, InitConfig{Plan: plan, HookTimeout: s.opts.HookTimeout}); err != nil {
		return nil, fail(s.classify(err, resources.StepNamespaces))
	}
	observer.ProcessStateChanged(pid, StateConfiguring, "", nil)

	msg, err := ch.Receive()
	if err != nil {
		return nil, fail(s.classify(err, resources.StepExec))
	}

	switch msg.Type {
	case ipc.MsgReady:
		observer.ProcessStateChanged(pid, StateReady, "", nil)
	case ipc.MsgFailed:
		return nil, fail(msg.Step, errors.New(msg.Error))
	default:
		return nil, fail(string(resources.StepExec), fmt.Errorf("%w: %s", ipc.ErrUnexpectedMessage, msg.Type))
	}

	// The sync socket is close-on-exec, so a successful exec shows up as
	// EOF. Anything else is the child reporting exec failed.
	msg, err = ch.Receive()
	switch {
	case errors.Is(err, io.EOF):
	case err != nil:
		return nil, fail(s.classify(err, resources.StepExec))
	case msg.Type == ipc.MsgFailed:
		return nil, fail(msg.Step, errors.New(msg.Error))
	default:
		return nil, fail(string(resources.StepExec), fmt.Errorf("%w: %s", ipc.ErrUnexpectedMessage, msg.Type))
	}

	startTime, err := StartTime(pid)
	if err != nil {
		return nil, fail(string(resources.StepExec), err)
	}

	// The process is reaped with Wait, not through exec.Cmd.
	_ = cmd.Process.Release()

	slog.Debug("container process started", "id", plan.ContainerID, "pid", pid)

	return &SpawnResult{Pid: pid, StartTime: startTime}, nil
}

// classify maps a channel error to the step to report: an expired deadline
// is the readiness timeout, anything else is blamed on fallback.
func (s *Supervisor) classify(err error, fallback resources.StepKind) (string, error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errdefs.StepTimeout, fmt.Errorf(
			"%w: container process not ready after %s",
			errdefs.ErrTimeout,
			s.opts.ReadinessTimeout,
		)
	}

	if errors.Is(err, io.EOF) {
		return string(fallback), errors.New("container process exited during setup")
	}

	return string(fallback), err
}

func sysProcAttr(plan *resources.Plan) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Cloneflags: plan.CloneFlags}

	if plan.NewNamespace(specs.UserNamespace) {
		attr.UidMappings = platform.IDMappings(plan.UIDMappings)
		attr.GidMappings = platform.IDMappings(plan.GIDMappings)
		attr.GidMappingsEnableSetgroups = os.Geteuid() == 0
		// Become root in the new namespace so the setup steps have its
		// capabilities.
		attr.Credential = &syscall.Credential{Uid: 0, Gid: 0}
	}

	return attr
}

// start forks the child. Joining a pid namespace or creating a time
// namespace only affects children of the calling thread, so in those cases
// the fork happens from a dedicated, locked thread that is never handed
// back to the scheduler.
func start(cmd *exec.Cmd, plan *resources.Plan) error {
	if !needsForkThread(plan) {
		return cmd.Start()
	}

	errCh := make(chan error, 1)

	go func() {
		runtime.LockOSThread()

		if err := platform.EnterForkNamespaces(plan.Namespaces, plan.TimeOffsets); err != nil {
			errCh <- err
			return
		}

		errCh <- cmd.Start()
	}()

	return <-errCh
}

func needsForkThread(plan *resources.Plan) bool {
	for _, ns := range plan.Namespaces {
		switch {
		case ns.Type == specs.TimeNamespace:
			return true
		case ns.Type == specs.PIDNamespace && ns.Path != "":
			return true
		}
	}

	return false
}

func dialConsole(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("process.terminal is set but no console socket was given")
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to console socket: %w", err)
	}
	defer conn.Close()

	f, err := conn.(*net.UnixConn).File()
	if err != nil {
		return nil, fmt.Errorf("console socket file: %w", err)
	}

	return f, nil
}

// Alive is the package-level Alive.
func (s *Supervisor) Alive(pid int, startTime int64) bool {
	return Alive(pid, startTime)
}

// StartTime is the package-level StartTime.
func (s *Supervisor) StartTime(pid int) (int64, error) {
	return StartTime(pid)
}

// Signal is the package-level Signal.
func (s *Supervisor) Signal(pid int, startTime int64, sig unix.Signal) error {
	return Signal(pid, startTime, sig)
}

// Wait is the package-level Wait.
func (s *Supervisor) Wait(ctx context.Context, pid int) (ExitStatus, error) {
	return Wait(ctx, pid)
}

// Kill is the package-level Kill.
func (s *Supervisor) Kill(
	ctx context.Context,
	pid int,
	startTime int64,
	sig unix.Signal,
	policy KillPolicy,
) (ExitStatus, bool, error) {
	return Kill(ctx, pid, startTime, sig, policy)
}
