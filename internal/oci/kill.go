package oci

import (
	"fmt"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func killCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kill [flags] CONTAINER_ID [SIGNAL]",
		Short:   "Send a signal to a container",
		Example: "  kiln kill busybox 9",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerID := args[0]

			sig := unix.SIGTERM
			if len(args) == 2 {
				sig = platform.ParseSignal(args[1])
				if sig == 0 {
					return errdefs.InvalidConfigf("unknown signal %q", args[1])
				}
			}

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			opts, err := killOpts(cmd, svc.Engine.DefaultKillOpts())
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Kill(cmd.Context(), containerID, sig, opts); err != nil {
				return fmt.Errorf("kill container: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolP("all", "a", false, "send signal to all processes in container cgroup")
	cmd.Flags().Bool("wait", false, "wait for the container to exit")
	cmd.Flags().Duration("grace", 0, "how long to wait before escalating to SIGKILL (default from config)")
	cmd.Flags().Bool("no-escalate", false, "never escalate to SIGKILL when waiting")

	return cmd
}

// killOpts builds the kill policy from flags. Without --wait the signal is
// only sent.
func killOpts(cmd *cobra.Command, defaults engine.KillOpts) (engine.KillOpts, error) {
	all, _ := cmd.Flags().GetBool("all")
	wait, _ := cmd.Flags().GetBool("wait")
	noEscalate, _ := cmd.Flags().GetBool("no-escalate")

	if !wait {
		return engine.KillOpts{All: all}, nil
	}

	opts := defaults
	opts.All = all
	opts.Escalate = !noEscalate

	if cmd.Flags().Changed("grace") {
		grace, _ := cmd.Flags().GetDuration("grace")
		if grace < 0 {
			return engine.KillOpts{}, errdefs.InvalidConfigf("grace must not be negative")
		}
		opts.Grace = grace
	}

	return opts, nil
}
