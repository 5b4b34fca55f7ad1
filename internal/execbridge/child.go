package execbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/ipc"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/thediveo/gons"
	"golang.org/x/sys/unix"
)

// RunChildExec is the helper side of Exec. It runs in the re-executed
// helper, after the namespaces in its environment have been joined, and
// returns the command's exit code once it has finished.
func RunChildExec(ctx context.Context) (int, error) {
	// Privileges are per thread, and the pid and time namespaces only
	// apply to children of the thread that entered them.
	runtime.LockOSThread()

	syncFile, err := fdFile(supervisor.EnvSyncFD, "sync")
	if err != nil {
		return -1, err
	}

	ch, err := ipc.FileChannel(syncFile)
	syncFile.Close()
	if err != nil {
		return -1, err
	}
	defer ch.Close()

	var cfg ExecConfig
	if err := ch.ReceivePayload(ipc.MsgPlan, &cfg); err != nil {
		return -1, fmt.Errorf("receive exec config: %w", err)
	}

	cmd, err := prepare(&cfg)
	if err != nil {
		return -1, report(ch, err)
	}

	cmd, err = startCommand(cmd)
	if err != nil {
		return -1, report(ch, errdefs.ResourceSetupFailed(string(resources.StepExec), err))
	}

	signals := make(chan os.Signal, 16)
	signal.Notify(signals)
	defer signal.Stop(signals)

	go forwardSignals(signals, cmd.Process)

	if err := ch.Send(ipc.Ready(cmd.Process.Pid)); err != nil {
		_ = cmd.Process.Kill()
		return -1, err
	}
	ch.Close()

	err = cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

// prepare enters the remaining namespaces, takes on the process's
// privileges and builds the command.
func prepare(cfg *ExecConfig) (*exec.Cmd, error) {
	if err := gons.Status(); err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}

	if err := platform.EnterForkNamespaces(cfg.Namespaces, nil); err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err)
	}

	p := cfg.Process

	bin, err := platform.LookPath(p.Args[0], p.Env)
	if err != nil {
		return nil, errdefs.ResourceSetupFailed(string(resources.StepExec), err)
	}

	cmd := exec.Command(bin)
	cmd.Args = p.Args
	cmd.Env = p.Env
	cmd.Dir = p.Cwd
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if p.Terminal {
		socket, err := fdFile(supervisor.EnvConsoleFD, "console")
		if err != nil {
			return nil, errdefs.ResourceSetupFailed(string(resources.StepConsole), err)
		}

		slave, err := platform.OpenConsole(socket, p.ConsoleSize)
		socket.Close()
		if err != nil {
			return nil, errdefs.ResourceSetupFailed(string(resources.StepConsole), err)
		}

		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		cmd.SysProcAttr.Ctty = 0
	}

	if os.Getenv(EnvCgroupFD) != "" {
		dir, err := fdFile(EnvCgroupFD, "cgroup")
		if err != nil {
			return nil, errdefs.ResourceSetupFailed(string(resources.StepCgroupJoin), err)
		}

		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(dir.Fd())
	}

	if err := restrict(cfg); err != nil {
		return nil, err
	}

	return cmd, nil
}

// restrict applies the privilege steps in the order the init process
// would: without no_new_privs the seccomp filter needs the privileges
// being dropped.
func restrict(cfg *ExecConfig) error {
	seccompFirst := cfg.Seccomp != nil && !cfg.Process.NoNewPrivileges

	if seccompFirst {
		if err := platform.LoadSeccomp(cfg.Seccomp); err != nil {
			return errdefs.ResourceSetupFailed(string(resources.StepSeccomp), err)
		}
	}

	if err := platform.RestrictPrivileges(cfg.Process); err != nil {
		return errdefs.ResourceSetupFailed(string(resources.StepCapabilities), err)
	}

	if cfg.Seccomp != nil && !seccompFirst {
		if err := platform.LoadSeccomp(cfg.Seccomp); err != nil {
			return errdefs.ResourceSetupFailed(string(resources.StepSeccomp), err)
		}
	}

	return nil
}

// startCommand starts cmd in the container's cgroup. If the kernel
// refuses to clone straight into it, a copy of the command is started
// outside and the parent moves it.
func startCommand(cmd *exec.Cmd) (*exec.Cmd, error) {
	err := cmd.Start()
	if err == nil || !cmd.SysProcAttr.UseCgroupFD {
		return cmd, err
	}

	if !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EBUSY) {
		return nil, err
	}

	attr := *cmd.SysProcAttr
	attr.UseCgroupFD = false

	retry := exec.Command(cmd.Path)
	retry.Args = cmd.Args
	retry.Env = cmd.Env
	retry.Dir = cmd.Dir
	retry.Stdin = cmd.Stdin
	retry.Stdout = cmd.Stdout
	retry.Stderr = cmd.Stderr
	retry.SysProcAttr = &attr

	if err := retry.Start(); err != nil {
		return nil, err
	}

	return retry, nil
}

func forwardSignals(signals <-chan os.Signal, p *os.Process) {
	for sig := range signals {
		switch sig {
		case unix.SIGCHLD, unix.SIGURG, unix.SIGPIPE:
			continue
		}

		_ = p.Signal(sig)
	}
}

func report(ch *ipc.Channel, err error) error {
	step := errdefs.Step(err)
	cause := err

	var setupErr *errdefs.ResourceSetupError
	if errors.As(err, &setupErr) && setupErr.Cause != nil {
		cause = setupErr.Cause
	}

	if sendErr := ch.Send(ipc.Failed(step, cause)); sendErr != nil {
		return errors.Join(err, sendErr)
	}

	return err
}

func fdFile(key, name string) (*os.File, error) {
	fd, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}

	return os.NewFile(uintptr(fd), name), nil
}
