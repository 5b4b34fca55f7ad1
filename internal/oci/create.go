package oci

import (
	"fmt"
	"os"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create [flags] CONTAINER_ID",
		Short:   "Create a container",
		Example: `  kiln create --bundle /containers/busybox busybox`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, _ := cmd.Flags().GetString("bundle")
			consoleSocket, _ := cmd.Flags().GetString("console-socket")
			pidFile, _ := cmd.Flags().GetString("pid-file")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Create(cmd.Context(), args[0], bundle, engine.CreateOpts{
				ConsoleSocket: consoleSocket,
				PidFile:       pidFile,
			}); err != nil {
				return fmt.Errorf("create container: %w", err)
			}

			return nil
		},
	}

	cwd, _ := os.Getwd()
	cmd.Flags().StringP("bundle", "b", cwd, "path of bundle directory")
	cmd.Flags().String("console-socket", "", "console socket path")
	cmd.Flags().String("pid-file", "", "file to write container PID to")

	return cmd
}
