package oci

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nixpig/kiln/internal/config"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/logging"
	"github.com/nixpig/kiln/internal/services"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.0.1"

type configKey struct{}

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "An OCI container runtime",
		Long:          "A Linux container runtime, implementing the OCI Runtime Spec",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			w := io.Discard
			if cfg.Log != "" {
				f, err := logging.OpenLogFile(cfg.Log)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to open log file '%s': %s\n", cfg.Log, err)
				} else {
					w = f
				}
			}

			slog.SetDefault(logging.NewLogger(w, cfg.Debug, cfg.LogFormat))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))

			return nil
		},
	}

	cmd.AddCommand(
		stateCmd(),
		createCmd(),
		startCmd(),
		runCmd(),
		deleteCmd(),
		killCmd(),
		initCmd(),
		childExecCmd(),
		featuresCmd(),
		specCmd(),
		listCmd(),
		execCmd(),
		psCmd(),
		eventsCmd(),
		updateCmd(),
		pauseCmd(),
		resumeCmd(),
		checkpointCmd(),
		restoreCmd(),
	)

	cmd.PersistentFlags().String("root", "", "root directory for container state")
	cmd.PersistentFlags().StringP("log", "l", "", "destination to write logs")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("log-format", "text", "log format (json | text)")
	cmd.PersistentFlags().String("config", "", "path to the runtime config file")

	// Only cgroupfs is supported. Flag is unused but provided to satisfy Docker expectation.
	cmd.PersistentFlags().Bool("systemd-cgroup", false, "not implemented")

	cmd.CompletionOptions.HiddenDefaultCmd = true

	markUsageErrors(cmd)

	return cmd
}

// markUsageErrors makes bad flags and positional arguments on cmd and its
// subcommands user errors.
func markUsageErrors(cmd *cobra.Command) {
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
	})

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		if args := c.Args; args != nil {
			c.Args = func(c *cobra.Command, a []string) error {
				if err := args(c, a); err != nil {
					return fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
				}
				return nil
			}
		}

		for _, sub := range c.Commands() {
			walk(sub)
		}
	}

	walk(cmd)
}

// loadConfig reads the config file and applies the global flags the user
// set over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
	}

	flags := cmd.Flags()

	if flags.Changed("root") {
		cfg.Root, _ = flags.GetString("root")
	}
	if flags.Changed("log") {
		cfg.Log, _ = flags.GetString("log")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
	}

	return cfg, nil
}

func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}

	return config.Default()
}

func newServices(cmd *cobra.Command) (*services.Services, error) {
	return services.New(configFrom(cmd))
}
