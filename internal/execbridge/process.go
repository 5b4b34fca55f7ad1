package execbridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/user"
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/nixpig/kiln/internal/platform"
	"github.com/nixpig/kiln/internal/resources"
	"github.com/nixpig/kiln/internal/store"
	"github.com/opencontainers/runtime-spec/specs-go"
)

// namespaceOrder is the order namespaces are considered in. The user
// namespace comes first so the others are joined with its privileges.
var namespaceOrder = []specs.LinuxNamespaceType{
	specs.UserNamespace,
	specs.PIDNamespace,
	specs.NetworkNamespace,
	specs.IPCNamespace,
	specs.UTSNamespace,
	specs.CgroupNamespace,
	specs.TimeNamespace,
	specs.MountNamespace,
}

// buildConfig merges s over the container's process config.
func buildConfig(rec *store.Record, s *Session) (*ExecConfig, error) {
	if rec.Config == nil || rec.Config.Process == nil {
		return nil, fmt.Errorf("container %s has no process config", rec.ID)
	}

	base := *rec.Config.Process
	if s.Process != nil {
		base = *s.Process
	}

	if len(s.Args) > 0 {
		base.Args = s.Args
	}
	if len(base.Args) == 0 {
		return nil, errdefs.InvalidConfigf("no command to exec")
	}

	base.Env = append(slices.Clone(base.Env), s.Env...)

	if s.Cwd != "" {
		base.Cwd = s.Cwd
	}
	if base.Cwd == "" {
		base.Cwd = "/"
	}
	if !filepath.IsAbs(base.Cwd) {
		return nil, errdefs.InvalidConfigf("cwd %q must be absolute", base.Cwd)
	}

	if s.Terminal {
		base.Terminal = true
	}

	if s.NoNewPrivileges != nil {
		base.NoNewPrivileges = *s.NoNewPrivileges
	}

	if len(s.Capabilities) > 0 {
		base.Capabilities = addCapabilities(base.Capabilities, s.Capabilities)
	}
	if err := resources.ValidateCapabilities(base.Capabilities); err != nil {
		return nil, err
	}

	if s.User != "" {
		u, home, err := lookupUser(rootfs(rec), s.User, base.User)
		if err != nil {
			return nil, err
		}
		base.User = u

		if !slices.ContainsFunc(base.Env, func(e string) bool { return strings.HasPrefix(e, "HOME=") }) {
			base.Env = append(base.Env, "HOME="+home)
		}
	}
	base.User.AdditionalGids = append(base.User.AdditionalGids, s.AdditionalGids...)

	namespaces, err := joinNamespaces(rec.InitPid, s.Namespaces)
	if err != nil {
		return nil, err
	}

	var seccomp *specs.LinuxSeccomp
	if rec.Config.Linux != nil {
		seccomp = rec.Config.Linux.Seccomp
	}

	return &ExecConfig{
		SessionID:   s.ID,
		ContainerID: rec.ID,
		Process: resources.Process{
			Args:            base.Args,
			Env:             base.Env,
			Cwd:             base.Cwd,
			Terminal:        base.Terminal,
			ConsoleSize:     base.ConsoleSize,
			User:            base.User,
			Capabilities:    base.Capabilities,
			NoNewPrivileges: base.NoNewPrivileges,
			ApparmorProfile: base.ApparmorProfile,
			SelinuxLabel:    base.SelinuxLabel,
		},
		Seccomp:    seccomp,
		Namespaces: namespaces,
	}, nil
}

func rootfs(rec *store.Record) string {
	if rec.Config.Root == nil {
		return rec.Bundle
	}

	if filepath.IsAbs(rec.Config.Root.Path) {
		return rec.Config.Root.Path
	}

	return filepath.Join(rec.Bundle, rec.Config.Root.Path)
}

// lookupUser resolves spec against the container's passwd and group
// files. Numeric ids need no entry.
func lookupUser(root, spec string, current specs.User) (specs.User, string, error) {
	passwd, err := securejoin.SecureJoin(root, "/etc/passwd")
	if err != nil {
		return specs.User{}, "", fmt.Errorf("resolve passwd file: %w", err)
	}

	group, err := securejoin.SecureJoin(root, "/etc/group")
	if err != nil {
		return specs.User{}, "", fmt.Errorf("resolve group file: %w", err)
	}

	defaults := &user.ExecUser{
		Uid:  int(current.UID),
		Gid:  int(current.GID),
		Home: "/",
	}

	u, err := user.GetExecUserPath(spec, defaults, passwd, group)
	if err != nil {
		return specs.User{}, "", errdefs.InvalidConfigf("user %q: %s", spec, err)
	}

	gids := make([]uint32, 0, len(u.Sgids))
	for _, g := range u.Sgids {
		gids = append(gids, uint32(g))
	}

	return specs.User{
		UID:            uint32(u.Uid),
		GID:            uint32(u.Gid),
		AdditionalGids: gids,
		Umask:          current.Umask,
	}, u.Home, nil
}

func addCapabilities(caps *specs.LinuxCapabilities, extra []string) *specs.LinuxCapabilities {
	out := &specs.LinuxCapabilities{}
	if caps != nil {
		*out = *caps
	}

	add := func(set []string) []string {
		set = slices.Clone(set)
		for _, c := range extra {
			if !slices.Contains(set, c) {
				set = append(set, c)
			}
		}
		return set
	}

	out.Bounding = add(out.Bounding)
	out.Effective = add(out.Effective)
	out.Permitted = add(out.Permitted)
	out.Inheritable = add(out.Inheritable)
	out.Ambient = add(out.Ambient)

	return out
}

// joinNamespaces returns the namespaces of pid to enter. Namespaces the
// runtime already shares with pid are left out, since joining them is a
// no-op and, for the user namespace, an error.
func joinNamespaces(pid int, only []specs.LinuxNamespaceType) ([]resources.Namespace, error) {
	for _, t := range only {
		if _, ok := resources.NamespaceFiles[t]; !ok {
			return nil, errdefs.InvalidConfigf("unknown namespace type %q", t)
		}
	}

	var namespaces []resources.Namespace

	for _, t := range namespaceOrder {
		if len(only) > 0 && !slices.Contains(only, t) {
			continue
		}

		same, err := platform.SameNamespace(pid, t)
		if errors.Is(err, os.ErrNotExist) {
			if len(only) > 0 {
				return nil, errdefs.InvalidConfigf("%s namespace is not available", t)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inspect %s namespace of %d: %w", t, pid, err)
		}

		if !same {
			namespaces = append(namespaces, resources.Namespace{
				Type: t,
				Path: platform.NamespacePath(pid, t),
			})
		}
	}

	return namespaces, nil
}
