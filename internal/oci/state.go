package oci

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "state [flags] CONTAINER_ID",
		Short:   "Get the state of a container",
		Example: "  kiln state busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			rec, err := svc.Engine.State(args[0])
			if err != nil {
				return fmt.Errorf("get container state: %w", err)
			}

			state, err := json.MarshalIndent(rec.OCIState(), "", "  ")
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}

			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(state)); err != nil {
				return fmt.Errorf("failed to print state: %w", err)
			}

			return nil
		},
	}

	return cmd
}
