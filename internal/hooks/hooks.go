// Package hooks runs OCI lifecycle hooks.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// Phase names a point in the container lifecycle at which hooks run.
type Phase string

const (
	CreateRuntime   Phase = "createRuntime"
	CreateContainer Phase = "createContainer"
	StartContainer  Phase = "startContainer"
	Prestart        Phase = "prestart"
	Poststart       Phase = "poststart"
	Poststop        Phase = "poststop"
)

// ForPhase returns the hooks configured for phase.
func ForPhase(h *specs.Hooks, phase Phase) []specs.Hook {
	if h == nil {
		return nil
	}

	switch phase {
	case CreateRuntime:
		return h.CreateRuntime
	case CreateContainer:
		return h.CreateContainer
	case StartContainer:
		return h.StartContainer
	case Prestart:
		//nolint:staticcheck // still honoured for older bundles
		return h.Prestart
	case Poststart:
		return h.Poststart
	case Poststop:
		return h.Poststop
	}

	return nil
}

// Run executes each hook in order, passing state on stdin, and stops at the
// first failure. A hook without its own timeout gets defaultTimeout; zero
// means no limit.
func Run(
	ctx context.Context,
	hooks []specs.Hook,
	state *specs.State,
	defaultTimeout time.Duration,
) error {
	if len(hooks) == 0 {
		return nil
	}

	s, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	for _, h := range hooks {
		if err := run(ctx, h, s, defaultTimeout); err != nil {
			return err
		}
	}

	return nil
}

func run(ctx context.Context, h specs.Hook, state []byte, defaultTimeout time.Duration) error {
	timeout := defaultTimeout
	if h.Timeout != nil {
		timeout = time.Duration(*h.Timeout) * time.Second
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, h.Path)
	if len(h.Args) > 0 {
		cmd.Args = h.Args
	}
	cmd.Env = h.Env
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(state)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("run hook", "path", h.Path, "args", h.Args)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("hook %s timed out after %s: %w", h.Path, timeout, ctx.Err())
		}

		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("hook %s: %w: %s", h.Path, err, msg)
		}

		return fmt.Errorf("hook %s: %w", h.Path, err)
	}

	return nil
}
