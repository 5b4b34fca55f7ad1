package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/execbridge"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"
)

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "exec [flags] CONTAINER_ID [-- COMMAND [args]]",
		Short:   "Execute a command in a container",
		Example: "  kiln exec busybox -- ps aux",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			containerID := args[0]

			s, err := sessionFromFlags(cmd, args[1:])
			if err != nil {
				return err
			}

			svc, err := newServices(cmd)
			if err != nil {
				return err
			}

			code, err := svc.Exec.Exec(cmd.Context(), containerID, s)
			if err != nil {
				return fmt.Errorf("exec in container: %w", err)
			}

			if code != 0 {
				return &ExitError{Code: code}
			}

			return nil
		},
	}

	cmd.Flags().StringArrayP("env", "e", []string{}, "set environment variable (name=value)")
	cmd.Flags().String("cwd", "", "working directory in the container")
	cmd.Flags().StringP("user", "u", "", "run as user (uid[:gid] or name[:group])")
	cmd.Flags().IntSliceP("additional-gids", "g", []int{}, "additional group ids")
	cmd.Flags().BoolP("tty", "t", false, "allocate a pseudo-terminal")
	cmd.Flags().String("console-socket", "", "console socket path")
	cmd.Flags().BoolP("detach", "d", false, "detach from the process")
	cmd.Flags().String("pid-file", "", "file to write the process PID to")
	cmd.Flags().StringP("process", "p", "", "path to a process.json to run")
	cmd.Flags().Bool("ignore-paused", false, "allow exec in a paused container")
	cmd.Flags().StringSlice("ns", []string{}, "namespaces to join (default: all of the container's)")
	cmd.Flags().StringSlice("cap", []string{}, "add a capability")
	cmd.Flags().Bool("no-new-privs", false, "set no_new_privs")

	return cmd
}

// sessionFromFlags builds an exec session from the command's flags and the
// argv following the container id.
func sessionFromFlags(cmd *cobra.Command, argv []string) (*execbridge.Session, error) {
	flags := cmd.Flags()

	env, _ := flags.GetStringArray("env")
	cwd, _ := flags.GetString("cwd")
	user, _ := flags.GetString("user")
	gids, _ := flags.GetIntSlice("additional-gids")
	tty, _ := flags.GetBool("tty")
	consoleSocket, _ := flags.GetString("console-socket")
	detach, _ := flags.GetBool("detach")
	pidFile, _ := flags.GetString("pid-file")
	processFile, _ := flags.GetString("process")
	ignorePaused, _ := flags.GetBool("ignore-paused")
	ns, _ := flags.GetStringSlice("ns")
	caps, _ := flags.GetStringSlice("cap")

	if err := validateEnv(env); err != nil {
		return nil, err
	}

	s := &execbridge.Session{
		Args:          argv,
		Env:           env,
		Cwd:           cwd,
		User:          user,
		Terminal:      tty,
		ConsoleSocket: consoleSocket,
		Detach:        detach,
		PidFile:       pidFile,
		IgnorePaused:  ignorePaused,
		Capabilities:  caps,
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	}

	for _, g := range gids {
		if g < 0 {
			return nil, errdefs.InvalidConfigf("invalid additional gid %d", g)
		}
		s.AdditionalGids = append(s.AdditionalGids, uint32(g))
	}

	namespaces, err := parseNamespaces(ns)
	if err != nil {
		return nil, err
	}
	s.Namespaces = namespaces

	if flags.Changed("no-new-privs") {
		nnp, _ := flags.GetBool("no-new-privs")
		s.NoNewPrivileges = &nnp
	}

	if processFile != "" {
		p, err := loadProcess(processFile)
		if err != nil {
			return nil, err
		}
		s.Process = p
	}

	if len(s.Args) == 0 && s.Process == nil {
		return nil, errdefs.InvalidConfigf("a command or --process is required")
	}

	return s, nil
}

func validateEnv(env []string) error {
	for _, e := range env {
		if k, _, ok := strings.Cut(e, "="); !ok || k == "" {
			return errdefs.InvalidConfigf("invalid env %q, expected name=value", e)
		}
	}

	return nil
}

// parseNamespaces accepts namespace type names, as well as the short names
// used under /proc/<pid>/ns.
func parseNamespaces(names []string) ([]specs.LinuxNamespaceType, error) {
	var out []specs.LinuxNamespaceType

	for _, name := range names {
		t, ok := namespaceType(name)
		if !ok {
			return nil, errdefs.InvalidConfigf("unknown namespace %q", name)
		}
		out = append(out, t)
	}

	return out, nil
}

func namespaceType(name string) (specs.LinuxNamespaceType, bool) {
	for t, file := range resources.NamespaceFiles {
		if name == string(t) || name == file {
			return t, true
		}
	}

	return "", false
}

func loadProcess(path string) (*specs.Process, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process file: %w", err)
	}

	var p specs.Process
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errdefs.InvalidConfigf("parse process file %s: %s", path, err)
	}

	return &p, nil
}
