package oci

import (
	"fmt"

	"github.com/spf13/cobra"
)

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pause [flags] CONTAINER_ID",
		Short:   "Pause all processes in a container",
		Example: "  kiln pause busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Pause(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("pause container: %w", err)
			}

			return nil
		},
	}

	return cmd
}
