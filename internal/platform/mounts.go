package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/mrunalp/fileutils"
	"github.com/nixpig/kiln/internal/resources"
	"golang.org/x/sys/unix"
)

// PrepareRootfs sets the propagation of the mount tree, makes the parent
// of rootfs private so pivot_root accepts it, and bind mounts rootfs onto
// itself so it is a mount point.
func PrepareRootfs(rootfs string, propagation uintptr) error {
	if err := unix.Mount("", "/", "", propagation, ""); err != nil {
		return fmt.Errorf("set root mount propagation: %w", err)
	}

	if err := makeParentPrivate(rootfs); err != nil {
		return err
	}

	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount rootfs: %w", err)
	}

	return nil
}

// makeParentPrivate finds the mount containing rootfs and makes it private
// if it is shared.
func makeParentPrivate(rootfs string) error {
	dir := filepath.Dir(rootfs)

	for {
		err := unix.Mount("", dir, "", unix.MS_PRIVATE, "")
		if err == nil {
			return nil
		}

		if !errors.Is(err, unix.EINVAL) || dir == "/" {
			return fmt.Errorf("make rootfs parent private: %w", err)
		}

		// Not a mount point; try the next one up.
		dir = filepath.Dir(dir)
	}
}

// MountAll mounts each of mounts under rootfs, in order.
func MountAll(rootfs string, mounts []resources.Mount) error {
	for _, m := range mounts {
		if err := mountOne(rootfs, m); err != nil {
			return fmt.Errorf("mount %s: %w", m.Destination, err)
		}
	}

	return nil
}

func mountOne(rootfs string, m resources.Mount) error {
	dest, err := securejoin.SecureJoin(rootfs, m.Destination)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	if err := createMountPoint(dest, m); err != nil {
		return err
	}

	switch {
	case m.Bind:
		if err := bindMount(m.Source, dest, m.Flags); err != nil {
			return err
		}
	case m.CopyUp:
		if err := mountCopyUp(dest, m); err != nil {
			return err
		}
	default:
		if err := unix.Mount(m.Source, dest, m.Type, m.Flags, m.Data); err != nil {
			return err
		}
	}

	for _, p := range m.Propagation {
		if err := unix.Mount("", dest, "", p, ""); err != nil {
			return fmt.Errorf("set propagation: %w", err)
		}
	}

	return nil
}

// createMountPoint creates dest as a directory, or as an empty file when a
// file is bind mounted onto it.
func createMountPoint(dest string, m resources.Mount) error {
	if m.Bind {
		fi, err := os.Stat(m.Source)
		if err != nil {
			return fmt.Errorf("stat bind source: %w", err)
		}

		if !fi.IsDir() {
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}

			f, err := os.OpenFile(dest, os.O_CREATE, 0o644)
			if err != nil && !errors.Is(err, os.ErrExist) {
				return fmt.Errorf("create bind mount file: %w", err)
			}
			if f != nil {
				f.Close()
			}

			return nil
		}
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	return nil
}

// bindMount bind mounts source onto dest, then remounts to apply flags the
// initial bind ignores.
func bindMount(source, dest string, flags uintptr) error {
	if err := unix.Mount(source, dest, "", unix.MS_BIND|(flags&unix.MS_REC), ""); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	remount := flags &^ (unix.MS_REC | unix.MS_BIND | unix.MS_REMOUNT)
	if remount == 0 {
		return nil
	}

	if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|remount, ""); err != nil {
		return fmt.Errorf("remount bind: %w", err)
	}

	return nil
}

// mountCopyUp mounts a tmpfs at dest seeded with dest's current contents.
func mountCopyUp(dest string, m resources.Mount) error {
	staging, err := os.MkdirTemp("", "kiln-copyup-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := unix.Mount(m.Source, staging, m.Type, m.Flags, m.Data); err != nil {
		return fmt.Errorf("mount staging tmpfs: %w", err)
	}

	if err := fileutils.CopyDirectory(dest, staging); err != nil {
		_ = unix.Unmount(staging, unix.MNT_DETACH)
		return fmt.Errorf("copy up %s: %w", dest, err)
	}

	if err := unix.Mount(staging, dest, "", unix.MS_MOVE, ""); err != nil {
		_ = unix.Unmount(staging, unix.MNT_DETACH)
		return fmt.Errorf("move copy up tmpfs: %w", err)
	}

	return nil
}
