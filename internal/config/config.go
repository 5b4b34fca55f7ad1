// Package config loads runtime-wide settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the environment variable holding a config file path.
	EnvConfig = "KILN_CONFIG"

	defaultSystemConfig = "/etc/kiln/config.yaml"
	userConfigPath      = "kiln/config.yaml"

	defaultRootDir          = "/run/kiln"
	defaultReadinessTimeout = 10 * time.Second
	defaultKillGracePeriod  = 10 * time.Second
	defaultKillTimeout      = 5 * time.Second
	defaultHookTimeout      = 30 * time.Second
	defaultCgroupParent     = "/kiln"
)

// Duration is a time.Duration that unmarshals from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config holds the runtime settings shared by every command.
type Config struct {
	Root             string   `yaml:"root"`
	Log              string   `yaml:"log"`
	LogFormat        string   `yaml:"logFormat"`
	Debug            bool     `yaml:"debug"`
	ReadinessTimeout Duration `yaml:"readinessTimeout"`
	KillGracePeriod  Duration `yaml:"killGracePeriod"`
	KillTimeout      Duration `yaml:"killTimeout"`
	HookTimeout      Duration `yaml:"hookTimeout"`
	CgroupParent     string   `yaml:"cgroupParent"`
	CriuPath         string   `yaml:"criuPath"`
}

// Default returns the built-in configuration. Unprivileged users get a root
// directory under their XDG runtime directory.
func Default() *Config {
	root := defaultRootDir
	if os.Geteuid() != 0 && xdg.RuntimeDir != "" {
		root = filepath.Join(xdg.RuntimeDir, "kiln")
	}

	return &Config{
		Root:             root,
		LogFormat:        "text",
		ReadinessTimeout: Duration(defaultReadinessTimeout),
		KillGracePeriod:  Duration(defaultKillGracePeriod),
		KillTimeout:      Duration(defaultKillTimeout),
		HookTimeout:      Duration(defaultHookTimeout),
		CgroupParent:     defaultCgroupParent,
	}
}

// Load reads the config file at path over the defaults. If path is empty,
// the file is located through $KILN_CONFIG, the user's XDG config
// directories and finally /etc/kiln/config.yaml. A missing file is not an
// error unless it was named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if !explicit {
		path = locate()
	}

	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config file %s: %w", path, err)
	}

	return cfg, nil
}

func locate() string {
	if p, err := xdg.SearchConfigFile(userConfigPath); err == nil {
		return p
	}

	return defaultSystemConfig
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root must not be empty")
	}

	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root %q must be absolute", c.Root)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("logFormat must be text or json, got %q", c.LogFormat)
	}

	if c.ReadinessTimeout <= 0 {
		return errors.New("readinessTimeout must be positive")
	}

	if c.KillGracePeriod < 0 || c.KillTimeout <= 0 {
		return errors.New("killGracePeriod must not be negative and killTimeout must be positive")
	}

	if c.CgroupParent == "" || c.CgroupParent[0] != '/' {
		return fmt.Errorf("cgroupParent %q must start with /", c.CgroupParent)
	}

	return nil
}
