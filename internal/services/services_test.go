package services

import (
	"path/filepath"
	"testing"

	"github.com/nixpig/kiln/internal/config"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildArgs(t *testing.T) {
	scenarios := map[string]struct {
		cfg  config.Config
		want []string
	}{
		"defaults": {
			cfg:  config.Config{Root: "/run/kiln", LogFormat: "text"},
			want: []string{"--root", "/run/kiln", "--log-format", "text"},
		},
		"log file and debug": {
			cfg:  config.Config{Root: "/run/kiln", LogFormat: "json", Log: "/var/log/kiln.log", Debug: true},
			want: []string{"--root", "/run/kiln", "--log-format", "json", "--log", "/var/log/kiln.log", "--debug"},
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			assert.Equal(t, data.want, ChildArgs(&data.cfg))
		})
	}
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.Root = filepath.Join(t.TempDir(), "root")

	svc, err := New(cfg)
	require.NoError(t, err)

	assert.DirExists(t, cfg.Root)

	_, err = svc.Engine.State("missing")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	records, err := svc.Engine.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}
