package cri

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/nixpig/kiln/internal/config"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/logging"
	"github.com/nixpig/kiln/internal/services"
	"github.com/spf13/cobra"
)

// DefaultSocket is where kilnd listens unless told otherwise.
const DefaultSocket = "/run/kiln/kilnd.sock"

// Cmd returns the kilnd root command.
func Cmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kilnd [flags]",
		Short:   "Start a kiln CRI server",
		Example: "  kilnd --socket /run/kiln/kilnd.sock",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Debug, cfg.LogFormat)

			svc, err := services.New(cfg)
			if err != nil {
				return err
			}

			socket, _ := cmd.Flags().GetString("socket")

			listener, err := listen(socket)
			if err != nil {
				return fmt.Errorf("failed to setup socket: %w", err)
			}

			server := newCRIServer(listener, svc.Engine, svc.Exec, version, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.start()
			}()

			ctx, cancel := signal.NotifyContext(
				cmd.Context(),
				syscall.SIGTERM,
				os.Interrupt,
			)
			defer cancel()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server stopped with error: %w", err)
				}
			case <-ctx.Done():
				server.shutdown()
				<-errCh
			}

			return nil
		},
	}

	cmd.Flags().StringP("socket", "s", DefaultSocket, "UNIX socket for the CRI server")
	cmd.Flags().String("root", "", "root directory for container state")
	cmd.Flags().String("config", "", "path to a kiln config file")
	cmd.Flags().String("log-format", "", "log format (text | json)")
	cmd.Flags().Bool("debug", false, "enable debug logging")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
	}

	if cmd.Flags().Changed("root") {
		cfg.Root, _ = cmd.Flags().GetString("root")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat, _ = cmd.Flags().GetString("log-format")
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug, _ = cmd.Flags().GetBool("debug")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// listen uses the first socket passed by systemd when started through
// socket activation, and otherwise listens on socket.
func listen(socket string) (net.Listener, error) {
	if os.Getenv("LISTEN_FDS") != "" {
		listeners, err := activation.Listeners()
		if err != nil {
			return nil, fmt.Errorf("get activated sockets: %w", err)
		}

		for _, l := range listeners {
			if l != nil {
				return l, nil
			}
		}

		return nil, errors.New("no usable socket passed by systemd")
	}

	if socket == "" {
		return nil, errors.New("socket cannot be empty")
	}

	return setupListener(socket)
}

func setupListener(socket string) (net.Listener, error) {
	if err := os.Remove(socket); err != nil &&
		!errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(socket, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}

	return listener, nil
}
