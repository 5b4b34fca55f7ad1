// Package execbridge starts additional processes inside running
// containers.
//
// The runtime re-executes itself as a helper that joins the container's
// namespaces before the Go runtime starts, takes on the process's
// privileges, then forks the requested command into the container's
// cgroup and reports its pid. The helper stays behind to wait for the
// command and exits with its status.
package execbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/ipc"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// ExecCommand is the hidden subcommand the helper is re-executed as.
const ExecCommand = "childexec"

// EnvCgroupFD names the fd of the container's cgroup directory, which the
// helper clones the command into.
const EnvCgroupFD = "_KILN_CGROUP_FD"

// Target gives access to a running container for the duration of fn.
type Target interface {
	Enter(ctx context.Context, id string, ignorePaused bool, fn func(engine.ExecTarget) error) error
}

// Session describes one process to run in a container.
type Session struct {
	// ID identifies the session in logs. One is generated if empty.
	ID   string
	Args []string
	// Env is appended to the container process's environment.
	Env []string
	Cwd string
	// User is "uid[:gid]" or "name[:group]", resolved against the
	// container's /etc/passwd and /etc/group.
	User string
	// AdditionalGids are added to the user's supplementary groups.
	AdditionalGids []uint32
	Terminal       bool
	ConsoleSocket  string
	// Namespaces limits the namespaces joined. By default every namespace
	// of the init process that differs from the runtime's own is joined.
	Namespaces []specs.LinuxNamespaceType
	// Capabilities, when set, are added to every capability set.
	Capabilities []string
	// NoNewPrivileges overrides the container's setting when set.
	NoNewPrivileges *bool
	// Process replaces the container's process config as the base the
	// other fields are applied to.
	Process      *specs.Process
	IgnorePaused bool
	Detach       bool
	PidFile      string

	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Pid is set to the command's pid once it has started.
	Pid int
}

// ExecConfig is the payload sent to the helper.
type ExecConfig struct {
	SessionID   string                `json:"sessionId"`
	ContainerID string                `json:"containerId"`
	Process     resources.Process     `json:"process"`
	Seccomp     *specs.LinuxSeccomp   `json:"seccomp,omitempty"`
	Namespaces  []resources.Namespace `json:"namespaces,omitempty"`
}

// Options configure a Bridge.
type Options struct {
	// Self is the runtime binary re-executed as the helper, by default
	// /proc/self/exe.
	Self string
	// Args are global flags passed to the helper ahead of the childexec
	// subcommand.
	Args             []string
	ReadinessTimeout time.Duration
}

// Bridge runs sessions against containers.
type Bridge struct {
	target Target
	opts   Options
}

// New returns a Bridge.
func New(target Target, opts Options) *Bridge {
	if opts.Self == "" {
		opts.Self = "/proc/self/exe"
	}

	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = 10 * time.Second
	}

	return &Bridge{target: target, opts: opts}
}

// Exec starts s in container id. When s.Detach is set it returns as soon
// as the command has started; otherwise it waits for the command and
// returns its exit code.
func (b *Bridge) Exec(ctx context.Context, id string, s *Session) (int, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	var helper *os.Process

	err := b.target.Enter(ctx, id, s.IgnorePaused, func(t engine.ExecTarget) error {
		cfg, err := buildConfig(t.Record, s)
		if err != nil {
			return err
		}

		helper, s.Pid, err = b.spawn(ctx, t, cfg, s)
		return err
	})
	if err != nil {
		return -1, err
	}

	slog.Debug("exec session started", "id", id, "session", s.ID, "pid", s.Pid)

	if s.PidFile != "" {
		if err := os.WriteFile(s.PidFile, []byte(strconv.Itoa(s.Pid)), 0o644); err != nil {
			slog.Warn("failed to write pid file", "session", s.ID, "path", s.PidFile, "err", err)
		}
	}

	helperPid := helper.Pid
	// Reaped below with supervisor.Wait, or left to init when detached.
	_ = helper.Release()

	if s.Detach {
		return 0, nil
	}

	startTime, _ := supervisor.StartTime(s.Pid)

	status, err := supervisor.Wait(ctx, helperPid)
	if err != nil {
		if ctx.Err() != nil {
			stopSession(s, startTime, helperPid)
		}
		return -1, fmt.Errorf("wait for exec session %s: %w", s.ID, err)
	}

	return status.ExitCode(), nil
}

// stopSession kills the command and its helper once the caller has given
// up on them, and reaps the helper.
func stopSession(s *Session, startTime int64, helperPid int) {
	if err := supervisor.Signal(s.Pid, startTime, unix.SIGKILL); err != nil &&
		!errors.Is(err, errdefs.ErrProcessNotFound) {
		slog.Warn("failed to kill exec session", "session", s.ID, "pid", s.Pid, "err", err)
	}

	if err := unix.Kill(helperPid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		slog.Warn("failed to kill exec helper", "session", s.ID, "pid", helperPid, "err", err)
	}

	if _, err := supervisor.Wait(context.Background(), helperPid); err != nil {
		slog.Warn("failed to reap exec helper", "session", s.ID, "pid", helperPid, "err", err)
	}

	slog.Debug("exec session stopped", "session", s.ID, "pid", s.Pid)
}

// spawn starts the helper for cfg and returns it with the command's pid.
func (b *Bridge) spawn(
	ctx context.Context,
	t engine.ExecTarget,
	cfg *ExecConfig,
	s *Session,
) (*os.Process, int, error) {
	parentSock, childSock, err := ipc.NewSocketPair("exec")
	if err != nil {
		return nil, 0, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}
	defer parentSock.Close()
	defer childSock.Close()

	cmd := exec.Command(b.opts.Self, append(slices.Clone(b.opts.Args), ExecCommand)...)
	cmd.Stdin = s.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.Env = append(
		[]string{fmt.Sprintf("%s=%d", supervisor.EnvSyncFD, 3)},
		platform.GonsEnv(cfg.Namespaces)...,
	)

	if cfg.Process.Terminal {
		console, err := dialConsole(s.ConsoleSocket)
		if err != nil {
			return nil, 0, errdefs.ResourceSetupFailed(string(resources.StepConsole), err)
		}
		defer console.Close()

		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", supervisor.EnvConsoleFD, 3+len(cmd.ExtraFiles)))
		cmd.ExtraFiles = append(cmd.ExtraFiles, console)
	}

	if opener, ok := t.Cgroup.(interface{ Open() (*os.File, error) }); ok {
		dir, err := opener.Open()
		if err != nil {
			return nil, 0, errdefs.ResourceSetupFailed(string(resources.StepCgroupJoin), err)
		}
		defer dir.Close()

		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvCgroupFD, 3+len(cmd.ExtraFiles)))
		cmd.ExtraFiles = append(cmd.ExtraFiles, dir)
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), fmt.Errorf("start exec helper: %w", err))
	}
	childSock.Close()

	fail := func(step string, cause error) (*os.Process, int, error) {
		_ = cmd.Process.Kill()
		_, _ = supervisor.Wait(context.Background(), cmd.Process.Pid)
		return nil, 0, errdefs.ResourceSetupFailed(step, cause)
	}

	ch, err := ipc.FileChannel(parentSock)
	if err != nil {
		return fail(string(resources.StepNamespaces), err)
	}
	defer ch.Close()

	deadline := time.Now().Add(b.opts.ReadinessTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ch.SetDeadline(deadline); err != nil {
		return fail(string(resources.StepNamespaces), err)
	}

	if err := ch.SendPayload(ipc.MsgPlan, cfg); err != nil {
		return fail(b.classify(err, resources.StepNamespaces))
	}

	msg, err := ch.Receive()
	if err != nil {
		return fail(b.classify(err, resources.StepExec))
	}

	switch msg.Type {
	case ipc.MsgReady:
	case ipc.MsgFailed:
		return fail(msg.Step, errors.New(msg.Error))
	default:
		return fail(string(resources.StepExec), fmt.Errorf("%w: %s", ipc.ErrUnexpectedMessage, msg.Type))
	}

	if msg.Pid <= 0 {
		return fail(string(resources.StepExec), errors.New("exec helper reported no pid"))
	}

	// Writing a pid that the helper already cloned into the group is a
	// no-op; otherwise this is what places the command in it.
	if err := t.Cgroup.AddProc(msg.Pid); err != nil {
		_ = unix.Kill(msg.Pid, unix.SIGKILL)
		return fail(string(resources.StepCgroupJoin), err)
	}

	return cmd.Process, msg.Pid, nil
}

func (b *Bridge) classify(err error, fallback resources.StepKind) (string, error) {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errdefs.StepTimeout, fmt.Errorf(
			"%w: exec helper not ready after %s",
			errdefs.ErrTimeout,
			b.opts.ReadinessTimeout,
		)
	}

	if errors.Is(err, io.EOF) {
		return string(fallback), errors.New("exec helper exited during setup")
	}

	return string(fallback), err
}

func dialConsole(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("a terminal was requested but no console socket was given")
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
