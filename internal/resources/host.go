package resources

import (
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"github.com/moby/sys/userns"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultCgroupRoot is where the unified cgroup hierarchy is normally
// mounted.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// Host describes what the host kernel offers. It is gathered once by Probe
// and passed to BuildPlan so plan building stays free of OS calls.
type Host struct {
	Namespaces map[specs.LinuxNamespaceType]bool
	CgroupRoot string
	Rootless   bool
}

// SupportsNamespace reports whether the host kernel offers namespace type t.
func (h Host) SupportsNamespace(t specs.LinuxNamespaceType) bool {
	return h.Namespaces[t]
}

// Probe inspects the running host.
func Probe() Host {
	h := Host{
		Namespaces: make(map[specs.LinuxNamespaceType]bool, len(NamespaceFiles)),
		CgroupRoot: DefaultCgroupRoot,
		Rootless:   os.Geteuid() != 0 || userns.RunningInUserNS(),
	}

	for t, name := range NamespaceFiles {
		if _, err := os.Lstat(filepath.Join("/proc/self/ns", name)); err == nil {
			h.Namespaces[t] = true
		}
	}

	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err == nil && len(mounts) > 0 {
		h.CgroupRoot = mounts[0].Mountpoint
	}

	return h
}

// AllNamespaces returns a Host that supports every namespace type. It is
// mainly useful in tests.
func AllNamespaces() Host {
	h := Host{
		Namespaces: make(map[specs.LinuxNamespaceType]bool, len(NamespaceFiles)),
		CgroupRoot: DefaultCgroupRoot,
	}

	for t := range NamespaceFiles {
		h.Namespaces[t] = true
	}

	return h
}
