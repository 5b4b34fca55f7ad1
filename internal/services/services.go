// Package services assembles the engine and exec bridge from the runtime
// config, for the CLI and the CRI daemon alike.
package services

import (
	"fmt"
	"time"

	"github.com/nixpig/kiln/internal/checkpoint"
	"github.com/nixpig/kiln/internal/config"
	"github.com/nixpig/kiln/internal/engine"
	"github.com/nixpig/kiln/internal/execbridge"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/nixpig/kiln/internal/supervisor"
)

// Services are the long-lived parts of the runtime.
type Services struct {
	Config *config.Config
	Host   resources.Host
	Engine *engine.Engine
	Exec   *execbridge.Bridge
}

// New opens the state store under cfg.Root and wires up the engine.
func New(cfg *config.Config) (*Services, error) {
	st, err := store.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	host := resources.Probe()
	args := ChildArgs(cfg)

	sup := supervisor.New(supervisor.Options{
		Args:             args,
		ReadinessTimeout: time.Duration(cfg.ReadinessTimeout),
		HookTimeout:      time.Duration(cfg.HookTimeout),
	})

	eng := engine.New(
		st,
		sup,
		engine.PlatformCgroups{Mountpoint: host.CgroupRoot},
		checkpoint.New(cfg.CriuPath),
		engine.Options{
			Host:         host,
			CgroupParent: cfg.CgroupParent,
			HookTimeout:  time.Duration(cfg.HookTimeout),
			KillGrace:    time.Duration(cfg.KillGracePeriod),
			KillTimeout:  time.Duration(cfg.KillTimeout),
		},
	)

	bridge := execbridge.New(eng, execbridge.Options{
		Args:             args,
		ReadinessTimeout: time.Duration(cfg.ReadinessTimeout),
	})

	return &Services{Config: cfg, Host: host, Engine: eng, Exec: bridge}, nil
}

// ChildArgs are the global flags a re-executed child is started with, so
// it logs where its parent does.
func ChildArgs(cfg *config.Config) []string {
	args := []string{"--root", cfg.Root, "--log-format", cfg.LogFormat}

	if cfg.Log != "" {
		args = append(args, "--log", cfg.Log)
	}

	if cfg.Debug {
		args = append(args, "--debug")
	}

	return args
}
