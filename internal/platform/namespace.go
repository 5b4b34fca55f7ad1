package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// ErrInvalidNamespacePath is returned when a namespace path doesn't refer
// to a namespace of the expected type.
var ErrInvalidNamespacePath = errors.New("invalid namespace path")

// OpenNamespace opens the namespace file at ns.Path and checks it is of
// type ns.Type.
func OpenNamespace(ns resources.Namespace) (*os.File, error) {
	if ns.Path == "" {
		return nil, ErrInvalidNamespacePath
	}

	f, err := os.Open(ns.Path)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", ns.Path, err)
	}

	nsType, err := unix.IoctlRetInt(int(f.Fd()), unix.NS_GET_NSTYPE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("get type of namespace %s: %w", ns.Path, err)
	}

	if resources.NamespaceFlags[ns.Type] != uintptr(nsType) {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a %s namespace", ErrInvalidNamespacePath, ns.Path, ns.Type)
	}

	return f, nil
}

// ValidateNamespaces checks that every namespace joined by the plan exists
// and has the expected type.
func ValidateNamespaces(namespaces []resources.Namespace) error {
	for _, ns := range namespaces {
		if ns.Path == "" {
			continue
		}

		f, err := OpenNamespace(ns)
		if err != nil {
			return err
		}
		f.Close()
	}

	return nil
}

// forkThreadNamespaces are entered by the forking thread rather than the
// child, because the kernel only applies them to children of the caller.
var forkThreadNamespaces = map[specs.LinuxNamespaceType]bool{
	specs.PIDNamespace:  true,
	specs.TimeNamespace: true,
}

// GonsEnv returns the environment that makes the gons constructor join the
// given namespaces in a re-executed child before the Go runtime starts.
// Namespaces that have to be entered by the forking thread are skipped.
func GonsEnv(namespaces []resources.Namespace) []string {
	var env []string

	for _, ns := range namespaces {
		if ns.Path == "" || forkThreadNamespaces[ns.Type] {
			continue
		}

		env = append(env, fmt.Sprintf("gons_%s=%s", resources.NamespaceFiles[ns.Type], ns.Path))
	}

	return env
}

// EnterForkNamespaces moves the calling thread's future children into the
// pid and time namespaces the plan joins, and unshares a new time
// namespace with offsets when one is requested. The caller must have locked
// the goroutine to its OS thread and must not unlock it again, so the
// thread is discarded once the goroutine ends.
func EnterForkNamespaces(
	namespaces []resources.Namespace,
	offsets map[string]specs.LinuxTimeOffset,
) error {
	for _, ns := range namespaces {
		if !forkThreadNamespaces[ns.Type] {
			continue
		}

		if ns.Path == "" {
			if ns.Type == specs.TimeNamespace {
				if err := unshareTime(offsets); err != nil {
					return err
				}
			}
			continue
		}

		f, err := OpenNamespace(ns)
		if err != nil {
			return err
		}

		err = unix.Setns(int(f.Fd()), int(resources.NamespaceFlags[ns.Type]))
		f.Close()
		if err != nil {
			return fmt.Errorf("join %s namespace %s: %w", ns.Type, ns.Path, err)
		}
	}

	return nil
}

func unshareTime(offsets map[string]specs.LinuxTimeOffset) error {
	if err := unix.Unshare(unix.CLONE_NEWTIME); err != nil {
		return fmt.Errorf("unshare time namespace: %w", err)
	}

	if len(offsets) == 0 {
		return nil
	}

	var b strings.Builder
	for clock, offset := range offsets {
		fmt.Fprintf(&b, "%s %d %d\n", clock, offset.Secs, offset.Nanosecs)
	}

	path := fmt.Sprintf("/proc/self/task/%d/timens_offsets", unix.Gettid())
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write time offsets: %w", err)
	}

	return nil
}

// UnshareCgroupNamespace gives the calling process a new cgroup namespace
// rooted at its current cgroup.
func UnshareCgroupNamespace() error {
	if err := unix.Unshare(unix.CLONE_NEWCGROUP); err != nil {
		return fmt.Errorf("unshare cgroup namespace: %w", err)
	}

	return nil
}

// IDMappings converts OCI id mappings for use with SysProcAttr.
func IDMappings(mappings []specs.LinuxIDMapping) []syscall.SysProcIDMap {
	out := make([]syscall.SysProcIDMap, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, syscall.SysProcIDMap{
			ContainerID: int(m.ContainerID),
			HostID:      int(m.HostID),
			Size:        int(m.Size),
		})
	}

	return out
}

// NamespacePath returns the path of pid's namespace of type t.
func NamespacePath(pid int, t specs.LinuxNamespaceType) string {
	return filepath.Join("/proc", fmt.Sprint(pid), "ns", resources.NamespaceFiles[t])
}

// SameNamespace reports whether pid shares its namespace of type t with
// the calling process.
func SameNamespace(pid int, t specs.LinuxNamespaceType) (bool, error) {
	theirs, err := os.Stat(NamespacePath(pid, t))
	if err != nil {
		return false, err
	}

	ours, err := os.Stat(filepath.Join("/proc/self/ns", resources.NamespaceFiles[t]))
	if err != nil {
		return false, err
	}

	return os.SameFile(theirs, ours), nil
}
