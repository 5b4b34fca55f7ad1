package oci

import (
	"fmt"

	"github.com/nixpig/kiln/internal/execbridge"
	"github.com/spf13/cobra"
)

func childExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    execbridge.ExecCommand,
		Short:  internalUseMessage,
		Args:   cobra.NoArgs,
		Hidden: true, // this command is only used internally
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := execbridge.RunChildExec(cmd.Context())
			if err != nil {
				return fmt.Errorf("exec in container: %w", err)
			}

			if code != 0 {
				return &ExitError{Code: code}
			}

			return nil
		},
	}

	return cmd
}
