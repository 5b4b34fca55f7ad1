package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/events"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "events [flags] CONTAINER_ID",
		Short:   "Display container events",
		Example: "  kiln events --stats --interval 2s busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerID := args[0]

			stats, _ := cmd.Flags().GetBool("stats")
			interval, _ := cmd.Flags().GetDuration("interval")

			if interval <= 0 {
				return errdefs.InvalidConfigf("interval must be positive")
			}

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())

			err = svc.Engine.Events(ctx, containerID, engine.EventsOpts{
				Stats:    stats,
				Interval: interval,
			}, func(e events.Event) error {
				return enc.Encode(e)
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("follow container events: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().Bool("stats", false, "sample resource usage every interval")
	cmd.Flags().Duration("interval", 5*time.Second, "stats sampling interval")

	return cmd
}
