package resources

import (
	"path"
	"strings"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// MinMemoryLimit is the smallest memory limit a container may be given.
const MinMemoryLimit int64 = 6 * 1024 * 1024

const (
	minCPUPeriod uint64 = 1000
	maxCPUPeriod uint64 = 1000000
)

// Cgroup is the cgroup the container process is placed in and the limits
// applied to it. Path is relative to the cgroup v2 mountpoint.
type Cgroup struct {
	Path      string                `json:"path"`
	Resources *specs.LinuxResources `json:"resources,omitempty"`
}

func buildCgroup(linux *specs.Linux, opts Options) (Cgroup, error) {
	p, err := CgroupPath(linux.CgroupsPath, opts.CgroupParent, opts.ContainerID)
	if err != nil {
		return Cgroup{}, err
	}

	if err := ValidateResources(linux.Resources); err != nil {
		return Cgroup{}, err
	}

	return Cgroup{Path: p, Resources: linux.Resources}, nil
}

// CgroupPath resolves the cgroup path for a container. An empty
// cgroupsPath places the container under parent; relative paths are
// resolved against parent. Systemd slice notation is not supported.
func CgroupPath(cgroupsPath, parent, id string) (string, error) {
	if strings.Contains(cgroupsPath, ":") {
		return "", errdefs.InvalidConfigf("systemd cgroupsPath %q is not supported", cgroupsPath)
	}

	if parent == "" {
		parent = "/"
	}

	var p string
	switch {
	case cgroupsPath == "":
		p = path.Join(parent, id)
	case path.IsAbs(cgroupsPath):
		p = path.Clean(cgroupsPath)
	default:
		p = path.Join(parent, cgroupsPath)
	}

	if p == "/" {
		return "", errdefs.InvalidConfigf("cgroupsPath must not be the root cgroup")
	}

	return p, nil
}

// ValidateResources rejects limits the kernel would refuse or that fall
// below the platform minimum.
func ValidateResources(r *specs.LinuxResources) error {
	if r == nil {
		return nil
	}

	if m := r.Memory; m != nil {
		if m.Limit != nil && *m.Limit >= 0 && *m.Limit < MinMemoryLimit {
			return errdefs.InvalidConfigf(
				"memory limit %d is below the minimum of %d bytes",
				*m.Limit,
				MinMemoryLimit,
			)
		}

		if m.Limit != nil && *m.Limit > 0 && m.Reservation != nil && *m.Reservation > *m.Limit {
			return errdefs.InvalidConfigf("memory reservation must not exceed the memory limit")
		}

		if m.Limit != nil && *m.Limit > 0 && m.Swap != nil && *m.Swap > 0 && *m.Swap < *m.Limit {
			return errdefs.InvalidConfigf("memory+swap limit must not be below the memory limit")
		}

		if m.Swap != nil && *m.Swap > 0 && (m.Limit == nil || *m.Limit <= 0) {
			return errdefs.InvalidConfigf("memory+swap limit requires a memory limit")
		}
	}

	if c := r.CPU; c != nil {
		if c.Period != nil && (*c.Period < minCPUPeriod || *c.Period > maxCPUPeriod) {
			return errdefs.InvalidConfigf(
				"cpu period %d must be between %d and %d",
				*c.Period,
				minCPUPeriod,
				maxCPUPeriod,
			)
		}

		if c.Quota != nil && *c.Quota > 0 && c.Period == nil {
			return errdefs.InvalidConfigf("cpu quota requires a cpu period")
		}

		if c.Quota != nil && *c.Quota > 0 && *c.Quota < int64(minCPUPeriod) {
			return errdefs.InvalidConfigf("cpu quota %d is below the minimum of %d", *c.Quota, minCPUPeriod)
		}
	}

	if p := r.Pids; p != nil {
		if p.Limit == 0 || p.Limit < -1 {
			return errdefs.InvalidConfigf("pids limit must be positive or -1, got %d", p.Limit)
		}
	}

	return nil
}

// BuildResourceUpdate produces the cgroup-only plan for changing the
// limits of an existing container. The patch is merged over current and
// the merged result validated.
func BuildResourceUpdate(
	cgroupPath string,
	current, patch *specs.LinuxResources,
) (*Cgroup, error) {
	if patch == nil {
		return nil, errdefs.InvalidConfigf("no resources to update")
	}

	merged := MergeResources(current, patch)
	if err := ValidateResources(merged); err != nil {
		return nil, err
	}

	return &Cgroup{Path: cgroupPath, Resources: merged}, nil
}

// MergeResources overlays the set fields of patch onto a copy of base.
func MergeResources(base, patch *specs.LinuxResources) *specs.LinuxResources {
	var out specs.LinuxResources
	if base != nil {
		out = *base
	}

	if patch == nil {
		return &out
	}

	if patch.Memory != nil {
		m := specs.LinuxMemory{}
		if out.Memory != nil {
			m = *out.Memory
		}
		setIfPresent(&m.Limit, patch.Memory.Limit)
		setIfPresent(&m.Reservation, patch.Memory.Reservation)
		setIfPresent(&m.Swap, patch.Memory.Swap)
		setIfPresent(&m.Swappiness, patch.Memory.Swappiness)
		out.Memory = &m
	}

	if patch.CPU != nil {
		c := specs.LinuxCPU{}
		if out.CPU != nil {
			c = *out.CPU
		}
		setIfPresent(&c.Shares, patch.CPU.Shares)
		setIfPresent(&c.Quota, patch.CPU.Quota)
		setIfPresent(&c.Period, patch.CPU.Period)
		if patch.CPU.Cpus != "" {
			c.Cpus = patch.CPU.Cpus
		}
		if patch.CPU.Mems != "" {
			c.Mems = patch.CPU.Mems
		}
		out.CPU = &c
	}

	if patch.Pids != nil {
		p := *patch.Pids
		out.Pids = &p
	}

	if patch.BlockIO != nil {
		b := *patch.BlockIO
		out.BlockIO = &b
	}

	if len(patch.HugepageLimits) > 0 {
		out.HugepageLimits = patch.HugepageLimits
	}

	if len(patch.Unified) > 0 {
		unified := make(map[string]string, len(out.Unified)+len(patch.Unified))
		for k, v := range out.Unified {
			unified[k] = v
		}
		for k, v := range patch.Unified {
			unified[k] = v
		}
		out.Unified = unified
	}

	return &out
}

func setIfPresent[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}
