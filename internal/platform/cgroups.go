package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

var (
	// ErrCgroupV1 is returned on hosts that don't run the unified hierarchy.
	ErrCgroupV1 = errors.New("cgroup v2 unified hierarchy is required")
	// ErrFreezerUnavailable is returned when the cgroup has no freezer.
	ErrFreezerUnavailable = errors.New("cgroup freezer is not available")
)

// Cgroup is a container's cgroup v2 group.
type Cgroup struct {
	mountpoint string
	path       string
	manager    *cgroup2.Manager
}

// CreateCgroup creates the group described by c under mountpoint and
// applies its limits. The group must offer the freezer, since pause and
// resume depend on it.
func CreateCgroup(mountpoint string, c resources.Cgroup) (*Cgroup, error) {
	if cgroups.Mode() != cgroups.Unified {
		return nil, ErrCgroupV1
	}

	if err := cgroup2.VerifyGroupPath(c.Path); err != nil {
		return nil, fmt.Errorf("verify cgroup path %s: %w", c.Path, err)
	}

	var res *cgroup2.Resources
	if c.Resources != nil {
		res = cgroup2.ToResources(c.Resources)
	} else {
		res = &cgroup2.Resources{}
	}

	m, err := cgroup2.NewManager(mountpoint, c.Path, res)
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", c.Path, err)
	}

	cg := &Cgroup{mountpoint: mountpoint, path: c.Path, manager: m}

	if _, err := os.Stat(cg.file("cgroup.freeze")); err != nil {
		_ = m.Delete()
		return nil, fmt.Errorf("%w: %w", ErrFreezerUnavailable, err)
	}

	return cg, nil
}

// LoadCgroup opens an existing group.
func LoadCgroup(mountpoint, path string) (*Cgroup, error) {
	m, err := cgroup2.Load(path, cgroup2.WithMountpoint(mountpoint))
	if err != nil {
		return nil, fmt.Errorf("load cgroup %s: %w", path, err)
	}

	return &Cgroup{mountpoint: mountpoint, path: path, manager: m}, nil
}

// Path returns the group path relative to the mountpoint.
func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) file(name string) string {
	return filepath.Join(c.mountpoint, c.path, name)
}

// Open returns a directory file for the group, suitable for
// SysProcAttr.CgroupFD.
func (c *Cgroup) Open() (*os.File, error) {
	return os.OpenFile(filepath.Join(c.mountpoint, c.path), unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
}

// AddProc moves pid into the group.
func (c *Cgroup) AddProc(pid int) error {
	if err := c.manager.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("add pid %d to cgroup %s: %w", pid, c.path, err)
	}

	return nil
}

// Update applies r to the group.
func (c *Cgroup) Update(r *specs.LinuxResources) error {
	if r == nil {
		return nil
	}

	if err := c.manager.Update(cgroup2.ToResources(r)); err != nil {
		return fmt.Errorf("update cgroup %s: %w", c.path, err)
	}

	return nil
}

// Freeze suspends every process in the group.
func (c *Cgroup) Freeze() error {
	return c.manager.Freeze()
}

// Thaw resumes every process in the group.
func (c *Cgroup) Thaw() error {
	return c.manager.Thaw()
}

// Frozen reports whether the group is currently frozen.
func (c *Cgroup) Frozen() (bool, error) {
	b, err := os.ReadFile(c.file("cgroup.freeze"))
	if err != nil {
		return false, err
	}

	return len(b) > 0 && b[0] == '1', nil
}

// Pids returns every process in the group and its descendants.
func (c *Cgroup) Pids() ([]int, error) {
	procs, err := c.manager.Procs(true)
	if err != nil {
		return nil, fmt.Errorf("list cgroup %s procs: %w", c.path, err)
	}

	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, int(p))
	}
	slices.Sort(pids)

	return pids, nil
}

// Kill sends SIGKILL to every process in the group.
func (c *Cgroup) Kill() error {
	return c.manager.Kill()
}

// Delete removes the group. A group that no longer exists is not an error.
func (c *Cgroup) Delete() error {
	if err := c.manager.Delete(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete cgroup %s: %w", c.path, err)
	}

	return nil
}

// Stats returns the group's current resource usage.
func (c *Cgroup) Stats() (*stats.Metrics, error) {
	return c.manager.Stat()
}

// InCgroup reports whether pid is in the group at path or one of its
// descendants.
func InCgroup(pid int, path string) bool {
	current, err := CgroupOf(pid)
	if err != nil {
		return false
	}

	return current == path || strings.HasPrefix(current, strings.TrimSuffix(path, "/")+"/")
}

// CgroupOf returns the cgroup v2 path of pid.
func CgroupOf(pid int) (string, error) {
	return cgroup2.PidGroupPath(pid)
}
