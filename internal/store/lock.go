package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"golang.org/x/sys/unix"
)

// lockRetryInterval is how often a contended lock is retried.
const lockRetryInterval = 10 * time.Millisecond

type lockFile struct {
	f *os.File
}

// acquireLock takes an exclusive flock on path, retrying until ctx is done.
// The lock file is created with the container directory, so a missing path
// means the container is gone. A lock taken on a file that was unlinked
// while waiting is released and retried against the current file.
func acquireLock(ctx context.Context, path string) (*lockFile, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errdefs.ErrNotFound
			}
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		locked, err := tryLock(ctx, f)
		if err != nil {
			f.Close()
			return nil, err
		}

		if !locked {
			f.Close()
			continue
		}

		return &lockFile{f: f}, nil
	}
}

// tryLock blocks until f is locked or ctx is done. It returns false if the
// lock was obtained on a file that no longer lives at its path.
func tryLock(ctx context.Context, f *os.File) (bool, error) {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return false, fmt.Errorf("acquire file lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("acquire file lock: %w", errdefs.ErrTimeout)
		case <-ticker.C:
		}
	}

	held, err := f.Stat()
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false, fmt.Errorf("stat lock file: %w", err)
	}

	current, err := os.Stat(f.Name())
	if err != nil || !os.SameFile(held, current) {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if errors.Is(err, fs.ErrNotExist) {
			return false, errdefs.ErrNotFound
		}
		return false, nil
	}

	return true, nil
}

func (l *lockFile) release() error {
	defer l.f.Close()

	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}
