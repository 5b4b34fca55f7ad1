package oci

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// containerSummary is one row of list's output.
type containerSummary struct {
	ID          string            `json:"id"`
	Pid         int               `json:"pid"`
	Status      string            `json:"status"`
	Bundle      string            `json:"bundle"`
	Created     time.Time         `json:"created"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list [flags]",
		Short:   "List containers",
		Example: "  kiln list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			quiet, _ := cmd.Flags().GetBool("quiet")

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			records, err := svc.Engine.List()
			if err != nil {
				return fmt.Errorf("list containers: %w", err)
			}

			return printList(cmd.OutOrStdout(), records, format, quiet)
		},
	}

	cmd.Flags().StringP("format", "f", "table", "output format (table | json)")
	cmd.Flags().BoolP("quiet", "q", false, "display only container IDs")

	return cmd
}

func printList(w io.Writer, records []*store.Record, format string, quiet bool) error {
	if quiet {
		for _, r := range records {
			fmt.Fprintln(w, r.ID)
		}
		return nil
	}

	summaries := make([]containerSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, containerSummary{
			ID:          r.ID,
			Pid:         r.InitPid,
			Status:      string(r.Status),
			Bundle:      r.Bundle,
			Created:     r.CreatedAt,
			Annotations: r.Annotations,
		})
	}

	switch format {
	case "json":
		return json.NewEncoder(w).Encode(summaries)
	case "table":
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"ID", "PID", "STATUS", "BUNDLE", "CREATED"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)

		for _, s := range summaries {
			table.Append([]string{
				s.ID,
				strconv.Itoa(s.Pid),
				s.Status,
				s.Bundle,
				s.Created.Format(time.RFC3339),
			})
		}

		table.Render()
		return nil
	default:
		return errdefs.InvalidConfigf("invalid format %q", format)
	}
}
