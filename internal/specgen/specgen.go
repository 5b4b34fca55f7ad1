// Package specgen generates template bundle configs.
package specgen

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/sys/mountinfo"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// ConfigFile is the name of the config in a bundle.
const ConfigFile = "config.json"

var defaultCaps = []string{
	"CAP_AUDIT_WRITE",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
}

// Example returns a config running sh in ./rootfs, with the namespaces,
// mounts and masked paths a typical container has.
func Example() *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: true,
		},
		Process: &specs.Process{
			Terminal: true,
			Args:     []string{"sh"},
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"TERM=xterm",
			},
			Cwd:             "/",
			NoNewPrivileges: true,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  slices.Clone(defaultCaps),
				Effective: slices.Clone(defaultCaps),
				Permitted: slices.Clone(defaultCaps),
			},
			Rlimits: []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
		},
		Hostname: "kiln",
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{
				Destination: "/dev",
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
			},
			{
				Destination: "/dev/pts",
				Type:        "devpts",
				Source:      "devpts",
				Options:     []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"},
			},
			{
				Destination: "/dev/shm",
				Type:        "tmpfs",
				Source:      "shm",
				Options:     []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
			},
			{
				Destination: "/dev/mqueue",
				Type:        "mqueue",
				Source:      "mqueue",
				Options:     []string{"nosuid", "noexec", "nodev"},
			},
			{
				Destination: "/sys",
				Type:        "sysfs",
				Source:      "sysfs",
				Options:     []string{"nosuid", "noexec", "nodev", "ro"},
			},
			{
				Destination: "/sys/fs/cgroup",
				Type:        "cgroup2",
				Source:      "cgroup",
				Options:     []string{"nosuid", "noexec", "nodev", "relatime", "ro"},
			},
		},
		Linux: &specs.Linux{
			MaskedPaths: []string{
				"/proc/acpi",
				"/proc/kcore",
				"/proc/keys",
				"/proc/latency_stats",
				"/proc/timer_list",
				"/proc/timer_stats",
				"/proc/sched_debug",
				"/proc/scsi",
				"/sys/firmware",
			},
			ReadonlyPaths: []string{
				"/proc/asound",
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
			Resources: &specs.LinuxResources{
				Devices: []specs.LinuxDeviceCgroup{
					{Allow: false, Access: "rwm"},
				},
			},
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.NetworkNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.CgroupNamespace},
			},
		},
	}
}

// ToRootless adapts spec for an unprivileged user with the given uid and
// gid. A user namespace maps them to root, the network namespace is dropped
// so sysfs becomes a read-only bind of the host's, and cgroup limits are
// removed. mounts is the host mount table, used to widen masks over /sys.
func ToRootless(spec *specs.Spec, uid, gid int, mounts []*mountinfo.Info) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}

	namespaces := slices.DeleteFunc(slices.Clone(spec.Linux.Namespaces), func(ns specs.LinuxNamespace) bool {
		return ns.Type == specs.NetworkNamespace || ns.Type == specs.UserNamespace
	})
	spec.Linux.Namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.UserNamespace})

	spec.Linux.UIDMappings = []specs.LinuxIDMapping{{HostID: uint32(uid), ContainerID: 0, Size: 1}}
	spec.Linux.GIDMappings = []specs.LinuxIDMapping{{HostID: uint32(gid), ContainerID: 0, Size: 1}}

	bindSys(spec, mounts)

	for i := range spec.Mounts {
		// Ids other than the mapped one don't exist in the namespace.
		spec.Mounts[i].Options = slices.DeleteFunc(spec.Mounts[i].Options, func(o string) bool {
			return strings.HasPrefix(o, "uid=") || strings.HasPrefix(o, "gid=")
		})
	}

	spec.Linux.Resources = nil
}

// bindSys replaces the sysfs mount with a recursive bind of the host's
// /sys, since sysfs can't be mounted without a new network namespace.
// Masked paths under /sys with host mounts beneath them are replaced by
// tmpfs mounts so those mounts are hidden too.
func bindSys(spec *specs.Spec, mounts []*mountinfo.Info) {
	var kept, underSys []specs.Mount

	for _, m := range spec.Mounts {
		switch dest := filepath.Clean(m.Destination); {
		case dest == "/sys":
		case strings.HasPrefix(dest, "/sys/"):
			underSys = append(underSys, m)
		default:
			kept = append(kept, m)
		}
	}

	kept = append(kept, specs.Mount{
		Source:      "/sys",
		Destination: "/sys",
		Type:        "none",
		Options:     []string{"rbind", "nosuid", "noexec", "nodev", "ro"},
	})
	spec.Mounts = append(kept, underSys...)

	writable := map[string]bool{}
	var masked []string

	for _, path := range spec.Linux.MaskedPaths {
		if strings.HasPrefix(path, "/sys") {
			for _, mi := range mounts {
				if strings.HasPrefix(mi.Mountpoint, path) {
					writable[path] = true
					writable[mi.Mountpoint] = true
				}
			}
		}

		if !writable[path] {
			masked = append(masked, path)
		}
	}
	spec.Linux.MaskedPaths = masked

	paths := make([]string, 0, len(writable))
	for p := range writable {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		spec.Mounts = append(spec.Mounts, specs.Mount{
			Source:      "none",
			Destination: p,
			Type:        "tmpfs",
			Options:     []string{"nosuid", "noexec", "nodev", "mode=0755"},
		})
	}
}

// Write writes spec to the bundle's config file. An existing config is
// never overwritten.
func Write(bundle string, spec *specs.Spec) (string, error) {
	path := filepath.Join(bundle, ConfigFile)

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s exists, remove it first: %w", path, cerrdefs.ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("check for existing config: %w", err)
	}

	data, err := json.MarshalIndent(spec, "", "\t")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s exists, remove it first: %w", path, cerrdefs.ErrAlreadyExists)
		}
		return "", fmt.Errorf("create config: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	return path, nil
}
