package oci

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "update [flags] CONTAINER_ID",
		Short:   "Update resource limits of a container",
		Example: "  kiln update --memory 256m busybox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := resourcesFromFlags(cmd.Flags(), cmd.InOrStdin())
			if err != nil {
				return err
			}

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			if _, err := svc.Engine.Update(cmd.Context(), args[0], patch); err != nil {
				return fmt.Errorf("update container: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringP("resources", "r", "", "path to a resources JSON file, or - for stdin")
	cmd.Flags().String("memory", "", "memory limit, e.g. 256m")
	cmd.Flags().String("memory-reservation", "", "memory soft limit")
	cmd.Flags().String("memory-swap", "", "total memory plus swap limit, -1 for unlimited")
	cmd.Flags().String("cpu-shares", "", "relative cpu weight")
	cmd.Flags().String("cpu-quota", "", "cpu time in microseconds per period")
	cmd.Flags().String("cpu-period", "", "cpu period in microseconds")
	cmd.Flags().String("cpuset-cpus", "", "cpus to run on, e.g. 0-3")
	cmd.Flags().String("cpuset-mems", "", "memory nodes to use")
	cmd.Flags().Int64("pids-limit", 0, "maximum number of processes, -1 for unlimited")

	return cmd
}

// resourcesFromFlags builds an update patch holding only what the user
// set, either from a JSON document or from the individual flags.
func resourcesFromFlags(flags *pflag.FlagSet, stdin io.Reader) (*specs.LinuxResources, error) {
	if path, _ := flags.GetString("resources"); path != "" {
		var data []byte
		var err error

		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read resources: %w", err)
		}

		var r specs.LinuxResources
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errdefs.InvalidConfigf("parse resources: %s", err)
		}

		return &r, nil
	}

	var r specs.LinuxResources

	memory := &specs.LinuxMemory{}
	for name, dest := range map[string]**int64{
		"memory":             &memory.Limit,
		"memory-reservation": &memory.Reservation,
		"memory-swap":        &memory.Swap,
	} {
		val, _ := flags.GetString(name)
		if val == "" {
			continue
		}

		var v int64
		if val == "-1" {
			v = -1
		} else {
			parsed, err := units.RAMInBytes(val)
			if err != nil {
				return nil, errdefs.InvalidConfigf("invalid value for %s: %s", name, err)
			}
			v = parsed
		}
		*dest = &v
	}
	if memory.Limit != nil || memory.Reservation != nil || memory.Swap != nil {
		r.Memory = memory
	}

	cpu := &specs.LinuxCPU{}
	cpuSet := false

	for name, dest := range map[string]**uint64{
		"cpu-shares": &cpu.Shares,
		"cpu-period": &cpu.Period,
	} {
		val, _ := flags.GetString(name)
		if val == "" {
			continue
		}

		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return nil, errdefs.InvalidConfigf("invalid value for %s: %s", name, err)
		}
		*dest = &v
		cpuSet = true
	}

	if val, _ := flags.GetString("cpu-quota"); val != "" {
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, errdefs.InvalidConfigf("invalid value for cpu-quota: %s", err)
		}
		cpu.Quota = &v
		cpuSet = true
	}

	if val, _ := flags.GetString("cpuset-cpus"); val != "" {
		cpu.Cpus = val
		cpuSet = true
	}
	if val, _ := flags.GetString("cpuset-mems"); val != "" {
		cpu.Mems = val
		cpuSet = true
	}
	if cpuSet {
		r.CPU = cpu
	}

	if flags.Changed("pids-limit") {
		limit, _ := flags.GetInt64("pids-limit")
		r.Pids = &specs.LinuxPids{Limit: limit}
	}

	if r.Memory == nil && r.CPU == nil && r.Pids == nil {
		return nil, errdefs.InvalidConfigf("no resources to update")
	}

	return &r, nil
}
