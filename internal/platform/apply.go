package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/hooks"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Env holds what the child-side steps need beyond the plan itself.
type Env struct {
	// ConsoleSocket is connected to the console socket when the process
	// has a terminal.
	ConsoleSocket *os.File
	HookTimeout   time.Duration
}

// ApplyChildSteps applies every child step of plan up to, but not
// including, exec. The calling goroutine must be locked to its OS thread.
// A failing step is reported as a ResourceSetupError naming the step.
func ApplyChildSteps(ctx context.Context, plan *resources.Plan, env Env) error {
	for _, step := range plan.ChildSteps() {
		if step.Kind == resources.StepExec {
			break
		}

		slog.Debug("apply step", "step", step.Kind)

		if err := applyStep(ctx, plan, step.Kind, env); err != nil {
			return errdefs.ResourceSetupFailed(string(step.Kind), err)
		}
	}

	return nil
}

func applyStep(ctx context.Context, plan *resources.Plan, kind resources.StepKind, env Env) error {
	switch kind {
	case resources.StepCgroupNamespace:
		return UnshareCgroupNamespace()
	case resources.StepNetwork:
		return BringUpLoopback()
	case resources.StepRootfs:
		return PrepareRootfs(plan.Rootfs, plan.RootfsPropagation)
	case resources.StepMounts:
		return MountAll(plan.Rootfs, plan.Mounts)
	case resources.StepDevices:
		return CreateDevices(plan.Rootfs, plan.Devices, plan.BindDevices)
	case resources.StepPivotRoot:
		return PivotRoot(plan.Rootfs)
	case resources.StepConsole:
		if env.ConsoleSocket == nil {
			return fmt.Errorf("no console socket")
		}
		return SetupConsole(env.ConsoleSocket, plan.Process.ConsoleSize)
	case resources.StepMaskedPaths:
		if err := MaskPaths(plan.MaskedPaths); err != nil {
			return err
		}
		if err := ReadonlyPaths(plan.ReadonlyPaths); err != nil {
			return err
		}
		if plan.RootfsReadonly {
			return RemountRootReadonly()
		}
		return nil
	case resources.StepSysctl:
		return SetSysctls(plan.Sysctl)
	case resources.StepHostname:
		return SetHostname(plan.Hostname, plan.Domainname)
	case resources.StepRlimits:
		return SetRlimits(plan.Rlimits)
	case resources.StepOOMScoreAdj:
		return SetOOMScoreAdj(*plan.OOMScoreAdj)
	case resources.StepScheduling:
		return SetScheduling(plan.Process)
	case resources.StepHooks:
		state := &specs.State{
			Version: specs.Version,
			ID:      plan.ContainerID,
			Status:  specs.StateCreated,
			Pid:     os.Getpid(),
			Bundle:  plan.Bundle,
		}
		return hooks.Run(ctx, plan.Hooks, state, env.HookTimeout)
	case resources.StepCapabilities:
		return RestrictPrivileges(plan.Process)
	case resources.StepSeccomp:
		return LoadSeccomp(plan.Seccomp)
	}

	return fmt.Errorf("step %s is not applied by the container process", kind)
}

// Exec replaces the calling process with the container entrypoint. It only
// returns on failure.
func Exec(p resources.Process) error {
	if err := unix.Chdir(p.Cwd); err != nil {
		return fmt.Errorf("chdir to %s: %w", p.Cwd, err)
	}

	bin, err := LookPath(p.Args[0], p.Env)
	if err != nil {
		return err
	}

	if err := unix.Exec(bin, p.Args, p.Env); err != nil {
		return fmt.Errorf("exec %s: %w", bin, err)
	}

	return nil
}

// LookPath resolves file against the PATH in env, the way the container's
// shell would.
func LookPath(file string, env []string) (string, error) {
	if strings.Contains(file, "/") {
		return file, nil
	}

	path := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			path = v
		}
	}

	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			dir = "."
		}

		candidate := dir + "/" + file
		fi, err := os.Stat(candidate)
		if err == nil && fi.Mode().IsRegular() && fi.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s: %w", file, exec.ErrNotFound)
}
