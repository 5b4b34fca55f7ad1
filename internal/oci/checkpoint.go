package oci

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nixpig/kiln/internal/engine"
	"github.com/spf13/cobra"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint [flags] CONTAINER_ID",
		Short:   "Checkpoint a running container",
		Example: "  kiln checkpoint --image-path /var/lib/kiln/images/busybox busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := checkpointOpts(cmd)
			if err != nil {
				return err
			}

			opts.LeaveRunning, _ = cmd.Flags().GetBool("leave-running")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			img, err := svc.Engine.Checkpoint(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("checkpoint container: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), img.Path)

			return nil
		},
	}

	addCheckpointFlags(cmd)
	cmd.Flags().Bool("leave-running", false, "leave the container running after checkpointing")

	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "restore [flags] CONTAINER_ID",
		Short:   "Restore a container from a checkpoint",
		Example: "  kiln restore --bundle /containers/busybox --image-path /var/lib/kiln/images/busybox busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := checkpointOpts(cmd)
			if err != nil {
				return err
			}

			bundle, _ := cmd.Flags().GetString("bundle")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Restore(cmd.Context(), args[0], bundle, opts); err != nil {
				return fmt.Errorf("restore container: %w", err)
			}

			return nil
		},
	}

	addCheckpointFlags(cmd)

	cwd, _ := os.Getwd()
	cmd.Flags().StringP("bundle", "b", cwd, "path of bundle directory")

	return cmd
}

func addCheckpointFlags(cmd *cobra.Command) {
	cmd.Flags().String("image-path", "", "path for the checkpoint image files (default: ./checkpoint)")
	cmd.Flags().String("work-path", "", "path for criu logs and work files")
	cmd.Flags().Bool("tcp-established", false, "allow open tcp connections")
	cmd.Flags().Bool("shell-job", false, "allow shell jobs")
}

func checkpointOpts(cmd *cobra.Command) (engine.CheckpointOpts, error) {
	imagePath, _ := cmd.Flags().GetString("image-path")
	workPath, _ := cmd.Flags().GetString("work-path")
	tcp, _ := cmd.Flags().GetBool("tcp-established")
	shellJob, _ := cmd.Flags().GetBool("shell-job")

	if imagePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return engine.CheckpointOpts{}, fmt.Errorf("get working directory: %w", err)
		}
		imagePath = filepath.Join(cwd, "checkpoint")
	}

	return engine.CheckpointOpts{
		ImagePath:      imagePath,
		WorkPath:       workPath,
		TCPEstablished: tcp,
		ShellJob:       shellJob,
	}, nil
}
