package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// deviceSymlinks are created in every container so the usual /dev paths
// resolve.
var deviceSymlinks = map[string]string{
	"/proc/self/fd":   "dev/fd",
	"/proc/self/fd/0": "dev/stdin",
	"/proc/self/fd/1": "dev/stdout",
	"/proc/self/fd/2": "dev/stderr",
	"pts/ptmx":        "dev/ptmx",
}

var deviceTypes = map[string]uint32{
	"c": unix.S_IFCHR,
	"u": unix.S_IFCHR,
	"b": unix.S_IFBLK,
	"p": unix.S_IFIFO,
}

// CreateDevices creates each device under rootfs. Device nodes can't be
// created inside a user namespace, so when bind is set the host's device
// is bind mounted instead.
func CreateDevices(rootfs string, devices []specs.LinuxDevice, bind bool) error {
	for _, d := range devices {
		dest, err := securejoin.SecureJoin(rootfs, d.Path)
		if err != nil {
			return fmt.Errorf("resolve device %s: %w", d.Path, err)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create device dir: %w", err)
		}

		if bind {
			err = bindDevice(d.Path, dest)
		} else {
			err = mknodDevice(d, dest)
		}
		if err != nil {
			return fmt.Errorf("create device %s: %w", d.Path, err)
		}
	}

	return createSymlinks(rootfs, deviceSymlinks)
}

func mknodDevice(d specs.LinuxDevice, dest string) error {
	kind, ok := deviceTypes[d.Type]
	if !ok {
		return fmt.Errorf("unknown device type %q", d.Type)
	}

	var perm uint32 = 0o666
	if d.FileMode != nil {
		perm = uint32(d.FileMode.Perm())
	}

	if err := unix.Unlink(dest); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}

	dev := int(unix.Mkdev(uint32(d.Major), uint32(d.Minor)))
	if err := unix.Mknod(dest, kind|perm, dev); err != nil {
		return fmt.Errorf("mknod: %w", err)
	}

	// mknod is subject to the umask.
	if err := unix.Chmod(dest, perm); err != nil {
		return err
	}

	uid, gid := -1, -1
	if d.UID != nil {
		uid = int(*d.UID)
	}
	if d.GID != nil {
		gid = int(*d.GID)
	}

	return unix.Chown(dest, uid, gid)
}

func bindDevice(source, dest string) error {
	f, err := os.OpenFile(dest, os.O_CREATE, 0o666)
	if err != nil {
		return err
	}
	f.Close()

	return unix.Mount(source, dest, "", unix.MS_BIND, "")
}

func createSymlinks(rootfs string, links map[string]string) error {
	for target, link := range links {
		path := filepath.Join(rootfs, link)

		if current, err := os.Readlink(path); err == nil && current == target {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("replace %s: %w", link, err)
		}

		if err := os.Symlink(target, path); err != nil {
			return fmt.Errorf("symlink %s: %w", link, err)
		}
	}

	return nil
}
