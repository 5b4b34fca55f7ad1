package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/cgroups/v3"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMountpoint lays out the files cgroup2 writes when creating
// /kiln-test/c1 under a plain directory.
func fakeMountpoint(t *testing.T, freezer bool) string {
	t.Helper()

	if cgroups.Mode() != cgroups.Unified {
		t.Skip("host is not on the cgroup v2 unified hierarchy")
	}

	root := t.TempDir()
	group := filepath.Join(root, "kiln-test", "c1")
	require.NoError(t, os.MkdirAll(group, 0o755))

	for _, dir := range []string{root, filepath.Join(root, "kiln-test")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.subtree_control"), nil, 0o644))
	}

	if freezer {
		require.NoError(t, os.WriteFile(filepath.Join(group, "cgroup.freeze"), []byte("0\n"), 0o644))
	}

	return root
}

func TestCreateCgroupFreezer(t *testing.T) {
	scenarios := map[string]struct {
		freezer bool
		err     error
	}{
		"freezer present": {freezer: true},
		"freezer missing": {freezer: false, err: ErrFreezerUnavailable},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			root := fakeMountpoint(t, data.freezer)

			cg, err := CreateCgroup(root, resources.Cgroup{Path: "/kiln-test/c1"})
			if data.err != nil {
				assert.ErrorIs(t, err, data.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "/kiln-test/c1", cg.Path())
		})
	}
}

func TestCgroupFrozen(t *testing.T) {
	root := fakeMountpoint(t, true)

	cg, err := CreateCgroup(root, resources.Cgroup{Path: "/kiln-test/c1"})
	require.NoError(t, err)

	frozen, err := cg.Frozen()
	require.NoError(t, err)
	assert.False(t, frozen)

	require.NoError(t, os.WriteFile(filepath.Join(root, "kiln-test", "c1", "cgroup.freeze"), []byte("1\n"), 0o644))

	frozen, err = cg.Frozen()
	require.NoError(t, err)
	assert.True(t, frozen)
}
