package oci

import (
	"fmt"

	"github.com/spf13/cobra"
)

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete [flags] CONTAINER_ID",
		Short:   "Delete a container",
		Example: "  kiln delete busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if err := svc.Engine.Delete(cmd.Context(), args[0], force); err != nil {
				return fmt.Errorf("delete container: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolP("force", "f", false, "kill the container first if it is running or paused")

	return cmd
}
