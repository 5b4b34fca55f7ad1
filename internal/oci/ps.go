package oci

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func psCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ps [flags] CONTAINER_ID",
		Short:   "Display the processes inside a container",
		Example: "  kiln ps busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			processes, err := svc.Engine.Ps(args[0])
			if err != nil {
				return fmt.Errorf("list container processes: %w", err)
			}

			return printProcesses(cmd.OutOrStdout(), processes, format)
		},
	}

	cmd.Flags().StringP("format", "f", "table", "output format (table | json)")

	return cmd
}

func printProcesses(w io.Writer, processes []engine.ProcessInfo, format string) error {
	switch format {
	case "json":
		if processes == nil {
			processes = []engine.ProcessInfo{}
		}
		return json.NewEncoder(w).Encode(processes)
	case "table":
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"PID", "PPID", "USER", "RSS", "COMMAND"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)

		for _, p := range processes {
			table.Append([]string{
				strconv.Itoa(p.Pid),
				strconv.Itoa(p.PPid),
				p.User,
				units.BytesSize(float64(p.RSS)),
				strings.TrimSpace(p.Command),
			})
		}

		table.Render()
		return nil
	default:
		return errdefs.InvalidConfigf("invalid format %q", format)
	}
}
