package oci

import (
	"fmt"
	"os"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start [flags] CONTAINER_ID",
		Short:   "Start a container",
		Example: "  kiln start busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Start(cmd.Context(), args[0], engine.StartOpts{
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			}); err != nil {
				return fmt.Errorf("start container: %w", err)
			}

			return nil
		},
	}

	return cmd
}
