package resources

import (
	"path/filepath"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// NamespaceFlags maps LinuxNamespaceType to the corresponding clone flag.
var NamespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
	specs.TimeNamespace:    unix.CLONE_NEWTIME,
}

// NamespaceFiles maps LinuxNamespaceType to its entry under /proc/<pid>/ns.
var NamespaceFiles = map[specs.LinuxNamespaceType]string{
	specs.PIDNamespace:     "pid",
	specs.NetworkNamespace: "net",
	specs.MountNamespace:   "mnt",
	specs.IPCNamespace:     "ipc",
	specs.UTSNamespace:     "uts",
	specs.UserNamespace:    "user",
	specs.CgroupNamespace:  "cgroup",
	specs.TimeNamespace:    "time",
}

// Namespace is a namespace the container process is placed in. An empty
// Path means a new namespace is created; otherwise the existing namespace
// at Path is joined.
type Namespace struct {
	Type specs.LinuxNamespaceType `json:"type"`
	Path string                   `json:"path,omitempty"`
}

func (p *Plan) planNamespaces(linux *specs.Linux, host Host) error {
	seen := make(map[specs.LinuxNamespaceType]bool, len(linux.Namespaces))

	for _, ns := range linux.Namespaces {
		flag, ok := NamespaceFlags[ns.Type]
		if !ok {
			return errdefs.InvalidConfigf("unknown namespace type %q", ns.Type)
		}

		if !host.SupportsNamespace(ns.Type) {
			return errdefs.InvalidConfigf("namespace type %q is not supported on this host", ns.Type)
		}

		if seen[ns.Type] {
			return errdefs.InvalidConfigf("namespace type %q specified more than once", ns.Type)
		}
		seen[ns.Type] = true

		if ns.Path != "" && !filepath.IsAbs(ns.Path) {
			return errdefs.InvalidConfigf("namespace %q path %q must be absolute", ns.Type, ns.Path)
		}

		// The cgroup namespace is unshared by the child once it has joined
		// its cgroup, so its root is the container's cgroup. A time
		// namespace is unshared by the parent before fork so its offsets
		// can be written while it has no members.
		if ns.Path == "" && ns.Type != specs.CgroupNamespace && ns.Type != specs.TimeNamespace {
			p.CloneFlags |= flag
		}

		p.Namespaces = append(p.Namespaces, Namespace{Type: ns.Type, Path: ns.Path})
	}

	if p.hasNamespace(specs.UserNamespace) && !p.newNamespace(specs.UserNamespace) {
		// The new namespaces would be owned by the runtime's user namespace.
		for _, ns := range p.Namespaces {
			if ns.Path == "" {
				return errdefs.InvalidConfigf("joining a user namespace while creating other namespaces is not supported")
			}
		}
	}

	if p.newNamespace(specs.UserNamespace) {
		if len(linux.UIDMappings) == 0 || len(linux.GIDMappings) == 0 {
			return errdefs.InvalidConfigf("a new user namespace requires uid and gid mappings")
		}
	} else if len(linux.UIDMappings)+len(linux.GIDMappings) > 0 {
		return errdefs.InvalidConfigf("uid/gid mappings require a new user namespace")
	}

	p.UIDMappings = linux.UIDMappings
	p.GIDMappings = linux.GIDMappings

	if len(linux.TimeOffsets) > 0 {
		if !p.newNamespace(specs.TimeNamespace) {
			return errdefs.InvalidConfigf("linux.timeOffsets requires a new time namespace")
		}

		for clock := range linux.TimeOffsets {
			if clock != "monotonic" && clock != "boottime" {
				return errdefs.InvalidConfigf("unknown clock %q in linux.timeOffsets", clock)
			}
		}

		p.TimeOffsets = linux.TimeOffsets
	}

	return nil
}

// newNamespace reports whether the plan creates a namespace of type t.
func (p *Plan) newNamespace(t specs.LinuxNamespaceType) bool {
	for _, ns := range p.Namespaces {
		if ns.Type == t {
			return ns.Path == ""
		}
	}

	return false
}

// hasNamespace reports whether the plan creates or joins a namespace of
// type t.
func (p *Plan) hasNamespace(t specs.LinuxNamespaceType) bool {
	for _, ns := range p.Namespaces {
		if ns.Type == t {
			return true
		}
	}

	return false
}

// NewNamespace reports whether the plan creates a namespace of type t.
func (p *Plan) NewNamespace(t specs.LinuxNamespaceType) bool {
	return p.newNamespace(t)
}

// JoinNamespaces returns the existing namespaces the process joins.
func (p *Plan) JoinNamespaces() []Namespace {
	var joins []Namespace
	for _, ns := range p.Namespaces {
		if ns.Path != "" {
			joins = append(joins, ns)
		}
	}

	return joins
}
