package platform

import (
	"fmt"
	"os"
	"strings"

	"github.com/nixpig/kiln/internal/resources"
	selinux "github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"
)

const (
	appArmorEnabled        = "/sys/module/apparmor/parameters/enabled"
	appArmorExecPath       = "/proc/thread-self/attr/apparmor/exec"
	appArmorLegacyExecPath = "/proc/thread-self/attr/exec"
)

// RestrictPrivileges moves the calling thread from the runtime's
// privileges to the container process's: security labels, bounding set,
// user and groups, capability sets and no_new_privs, in that order. The
// thread must stay locked until exec.
func RestrictPrivileges(p resources.Process) error {
	if err := applyAppArmorProfile(p.ApparmorProfile); err != nil {
		return err
	}

	if p.SelinuxLabel != "" && selinux.GetEnabled() {
		if err := selinux.SetExecLabel(p.SelinuxLabel); err != nil {
			return fmt.Errorf("set selinux exec label: %w", err)
		}
	}

	if p.Capabilities != nil {
		if err := DropBoundingCapabilities(p.Capabilities); err != nil {
			return err
		}
	}

	// Keep permitted capabilities across the uid change so the configured
	// sets can be applied afterwards.
	keep := p.Capabilities != nil && p.User.UID != 0
	if keep {
		if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set keepcaps: %w", err)
		}
	}

	if err := SetUser(p.User.UID, p.User.GID, p.User.AdditionalGids); err != nil {
		return err
	}

	if p.User.Umask != nil {
		unix.Umask(int(*p.User.Umask))
	}

	if p.Capabilities != nil {
		if err := SetCapabilities(p.Capabilities); err != nil {
			return err
		}
	}

	if keep {
		if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
			return fmt.Errorf("clear keepcaps: %w", err)
		}
	}

	if p.NoNewPrivileges {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set no_new_privs: %w", err)
		}
	}

	return nil
}

// SetUser switches every thread of the process to uid and gid with the
// given supplementary groups.
func SetUser(uid, gid uint32, additionalGids []uint32) error {
	groups := make([]int, 0, len(additionalGids))
	for _, g := range additionalGids {
		groups = append(groups, int(g))
	}

	if err := unix.Setgroups(groups); err != nil {
		// setgroups is denied in user namespaces that disabled it; only
		// fail if groups were actually asked for.
		if len(groups) > 0 {
			return fmt.Errorf("set groups: %w", err)
		}
	}

	if err := unix.Setgid(int(gid)); err != nil {
		return fmt.Errorf("set gid %d: %w", gid, err)
	}

	if err := unix.Setuid(int(uid)); err != nil {
		return fmt.Errorf("set uid %d: %w", uid, err)
	}

	return nil
}

// AppArmorEnabled reports whether AppArmor is enabled on the host.
func AppArmorEnabled() bool {
	data, err := os.ReadFile(appArmorEnabled)
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(data)) == "Y"
}

// applyAppArmorProfile sets the profile the process transitions to on
// its next exec.
func applyAppArmorProfile(profile string) error {
	if profile == "" || profile == "unconfined" || !AppArmorEnabled() {
		return nil
	}

	data := "exec " + strings.TrimPrefix(profile, "localhost/")

	if err := os.WriteFile(appArmorExecPath, []byte(data), 0); err != nil {
		if err := os.WriteFile(appArmorLegacyExecPath, []byte(data), 0); err != nil {
			return fmt.Errorf("apply apparmor profile %s: %w", profile, err)
		}
	}

	return nil
}

func writeProcSelf(name, value string) error {
	return os.WriteFile("/proc/self/"+name, []byte(value), 0o644)
}
