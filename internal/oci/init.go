package oci

import (
	"fmt"

	"github.com/nixpig/kiln/internal/supervisor"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    supervisor.InitCommand,
		Short:  internalUseMessage,
		Args:   cobra.NoArgs,
		Hidden: true, // this command is only used internally
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only returns if the container could not be set up.
			if err := supervisor.RunInit(cmd.Context()); err != nil {
				return fmt.Errorf("init container: %w", err)
			}

			return nil
		},
	}

	return cmd
}
