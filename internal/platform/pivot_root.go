package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PivotRoot makes rootfs the root of the calling process's mount namespace
// and detaches the old root. Pivoting onto the same directory stacks the
// old root on top of the new one, so no temporary put_old directory is
// needed.
func PivotRoot(rootfs string) error {
	if err := unix.Chdir(rootfs); err != nil {
		return fmt.Errorf("chdir to rootfs: %w", err)
	}

	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}

	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}

	return unix.Chdir("/")
}
