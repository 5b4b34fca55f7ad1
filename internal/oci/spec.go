package oci

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"github.com/nixpig/kiln/internal/specgen"
	"github.com/spf13/cobra"
)

func specCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "spec [flags]",
		Short:   "Create a new config.json in a bundle",
		Example: "  kiln spec --rootless --bundle /containers/busybox",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, _ := cmd.Flags().GetString("bundle")
			rootless, _ := cmd.Flags().GetBool("rootless")

			spec := specgen.Example()

			if rootless {
				mounts, err := mountinfo.GetMounts(nil)
				if err != nil {
					return fmt.Errorf("read mount table: %w", err)
				}

				specgen.ToRootless(spec, os.Geteuid(), os.Getegid(), mounts)
			}

			if _, err := specgen.Write(bundle, spec); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			return nil
		},
	}

	cwd, _ := os.Getwd()
	cmd.Flags().StringP("bundle", "b", cwd, "path of bundle directory")
	cmd.Flags().Bool("rootless", false, "generate a config for a rootless container")

	return cmd
}
