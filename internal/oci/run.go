package oci

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run [flags] CONTAINER_ID",
		Short:   "Create and start a container",
		Example: "  kiln run --bundle /containers/busybox busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerID := args[0]

			bundle, _ := cmd.Flags().GetString("bundle")
			consoleSocket, _ := cmd.Flags().GetString("console-socket")
			pidFile, _ := cmd.Flags().GetString("pid-file")
			detach, _ := cmd.Flags().GetBool("detach")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if !detach {
				stop := forwardSignals(cmd.Context(), svc.Engine, containerID)
				defer stop()
			}

			code, err := svc.Engine.Run(cmd.Context(), containerID, bundle, engine.RunOpts{
				CreateOpts: engine.CreateOpts{
					ConsoleSocket: consoleSocket,
					PidFile:       pidFile,
				},
				StartOpts: engine.StartOpts{
					Stdin:  os.Stdin,
					Stdout: os.Stdout,
					Stderr: os.Stderr,
				},
				Detach: detach,
			})
			if err != nil {
				return fmt.Errorf("run container: %w", err)
			}

			if code != 0 {
				return &ExitError{Code: code}
			}

			return nil
		},
	}

	cwd, _ := os.Getwd()
	cmd.Flags().StringP("bundle", "b", cwd, "path to bundle directory")
	cmd.Flags().String("console-socket", "", "console socket path")
	cmd.Flags().String("pid-file", "", "file to write container PID to")
	cmd.Flags().BoolP("detach", "d", false, "detach from the container process")

	return cmd
}

// forwardSignals relays the signals the runtime receives to the
// container's init process until stop is called.
func forwardSignals(ctx context.Context, eng *engine.Engine, id string) (stop func()) {
	signals := make(chan os.Signal, 16)
	signal.Notify(signals)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-signals:
				s, ok := sig.(unix.Signal)
				if !ok || s == unix.SIGCHLD || s == unix.SIGURG || s == unix.SIGPIPE {
					continue
				}

				if _, err := eng.Kill(ctx, id, s, engine.KillOpts{}); err != nil {
					slog.Debug("failed to forward signal", "id", id, "signal", s, "err", err)
				}
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
