package oci

import (
	"fmt"

	"github.com/spf13/cobra"
)

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resume [flags] CONTAINER_ID",
		Short:   "Resume all processes in a paused container",
		Example: "  kiln resume busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Resume(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("resume container: %w", err)
			}

			return nil
		},
	}

	return cmd
}
