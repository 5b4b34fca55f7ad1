package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/ipc"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/thediveo/gons"
)

// RunInit is the container side of Spawn. It runs in the re-executed
// child, applies the plan it is sent and execs the entrypoint. It only
// returns on failure, after reporting the failed step to the parent.
func RunInit(ctx context.Context) error {
	// Capabilities, AppArmor and SELinux labels are per thread, so setup
	// and exec must happen on the same one.
	runtime.LockOSThread()

	syncFile, err := fileFromEnv(EnvSyncFD, "sync")
	if err != nil {
		return err
	}

	ch, err := ipc.FileChannel(syncFile)
	syncFile.Close()
	if err != nil {
		return err
	}
	defer ch.Close()

	var cfg InitConfig
	if err := ch.ReceivePayload(ipc.MsgPlan, &cfg); err != nil {
		return fmt.Errorf("receive plan: %w", err)
	}

	if cfg.Plan == nil {
		return report(ch, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), errors.New("empty plan")))
	}

	if err := gons.Status(); err != nil {
		return report(ch, errdefs.ResourceSetupFailed(string(resources.StepNamespaces), err))
	}

	env := platform.Env{HookTimeout: cfg.HookTimeout}

	if cfg.Plan.Process.Terminal {
		console, err := fileFromEnv(EnvConsoleFD, "console")
		if err != nil {
			return report(ch, errdefs.ResourceSetupFailed(string(resources.StepConsole), err))
		}
		defer console.Close()

		env.ConsoleSocket = console
	}

	if err := platform.ApplyChildSteps(ctx, cfg.Plan, env); err != nil {
		return report(ch, err)
	}

	if err := ch.Send(ipc.Ready(0)); err != nil {
		return err
	}

	if err := platform.Exec(cfg.Plan.Process); err != nil {
		return report(ch, errdefs.ResourceSetupFailed(string(resources.StepExec), err))
	}

	return nil
}

// report sends the failed step of err to the parent and returns err.
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

func fileFromEnv(key, name string) (*os.File, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, fmt.Errorf("%s is not set", key)
	}

	fd, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}

	return os.NewFile(uintptr(fd), name), nil
}
