package oci

import (
	"encoding/json"
	"fmt"

	"github.com/nixpig/kiln/internal/features"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/spf13/cobra"
)

func featuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "features",
		Short:   "List supported runtime features",
		Example: "  kiln features",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := json.MarshalIndent(features.Get(resources.Probe()), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to get features: %w", err)
			}

			if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(out)); err != nil {
				return fmt.Errorf("failed to print features to stdout: %w", err)
			}

			return nil
		},
	}

	return cmd
}
