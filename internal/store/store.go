// Package store persists container records under a root directory, one
// directory per container, with an advisory lock per container id.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nixpig/kiln/internal/errdefs"
	"golang.org/x/sys/unix"
)

const (
	stateFilename = "state.json"
	lockFilename  = "lock"

	rootDirPerm      = 0o711
	containerDirPerm = 0o700
	stateFilePerm    = 0o600

	reclaimLockTimeout = time.Second
)

// Store reads and writes container records.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, rootDirPerm); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}

	return &Store{root: root}, nil
}

// Root returns the root directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding the given container's files.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.root, id, stateFilename)
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.root, id, lockFilename)
}

// Create persists a new record. It fails with ErrAlreadyExists if a
// container with the same id is present. The container directory is
// populated under a hidden name and renamed into place, so it never exists
// without a record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	tmp, err := os.MkdirTemp(s.root, ".create-"+rec.ID+"-")
	if err != nil {
		return fmt.Errorf("create container directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := os.Chmod(tmp, containerDirPerm); err != nil {
		return fmt.Errorf("create container directory: %w", err)
	}

	f, err := os.OpenFile(
		filepath.Join(tmp, lockFilename),
		os.O_CREATE|os.O_EXCL|os.O_RDWR,
		stateFilePerm,
	)
	if err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}
	f.Close()

	if err := s.write(filepath.Join(tmp, stateFilename), rec); err != nil {
		return err
	}

	err = os.Rename(tmp, s.Dir(rec.ID))
	if isDirNotEmpty(err) && s.reclaim(ctx, rec.ID) {
		err = os.Rename(tmp, s.Dir(rec.ID))
	}
	if err != nil {
		if isDirNotEmpty(err) {
			return errdefs.ErrAlreadyExists
		}
		return fmt.Errorf("create container directory: %w", err)
	}

	return nil
}

// reclaim removes a container directory left behind without a record. It
// reports whether the directory was removed.
func (s *Store) reclaim(ctx context.Context, id string) bool {
	if _, err := os.Stat(s.statePath(id)); !errors.Is(err, fs.ErrNotExist) {
		return false
	}

	lockCtx, cancel := context.WithTimeout(ctx, reclaimLockTimeout)
	defer cancel()

	lock, err := acquireLock(lockCtx, s.lockPath(id))
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return false
	}
	if lock != nil {
		defer lock.release()
	}

	if _, err := os.Stat(s.statePath(id)); !errors.Is(err, fs.ErrNotExist) {
		return false
	}

	slog.Warn("reclaiming container directory without a record", "id", id)

	return s.discard(id) == nil
}

// discard moves a container directory aside, then removes it.
func (s *Store) discard(id string) error {
	trash, err := os.MkdirTemp(s.root, ".delete-"+id+"-")
	if err != nil {
		return err
	}

	target := filepath.Join(trash, id)
	if err := os.Rename(s.Dir(id), target); err != nil {
		os.Remove(trash)
		return err
	}

	return os.RemoveAll(trash)
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}

func (s *Store) write(path string, rec *Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := atomicWriteFile(path, b, stateFilePerm); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}

// Get reads the record for id without locking.
func (s *Store) Get(id string) (*Record, error) {
	b, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	rec, err := decodeRecord(b)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}

	return rec, nil
}

// Update performs a locked read-modify-write of the record for id. The
// record is written only when fn returns nil. The returned record is the
// one passed to fn.
func (s *Store) Update(
	ctx context.Context,
	id string,
	fn func(*Record) error,
) (*Record, error) {
	lock, err := acquireLock(ctx, s.lockPath(id))
	if err != nil {
		return nil, err
	}
	defer lock.release()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if err := fn(rec); err != nil {
		return rec, err
	}

	if err := s.write(s.statePath(id), rec); err != nil {
		return rec, err
	}

	return rec, nil
}

// Delete removes the record for id after fn, run under the lock, returns
// nil.
func (s *Store) Delete(
	ctx context.Context,
	id string,
	fn func(*Record) error,
) error {
	lock, err := acquireLock(ctx, s.lockPath(id))
	if err != nil {
		return err
	}
	defer lock.release()

	rec, err := s.Get(id)
	if err != nil {
		return err
	}

	if fn != nil {
		if err := fn(rec); err != nil {
			return err
		}
	}

	if err := s.discard(id); err != nil {
		return fmt.Errorf("remove container directory: %w", err)
	}

	return nil
}

// List returns every readable record. Entries that can't be decoded are
// skipped.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read root directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		rec, err := s.Get(entry.Name())
		if err != nil {
			if !errors.Is(err, errdefs.ErrNotFound) {
				slog.Warn("skip unreadable record", "id", entry.Name(), "err", err)
			}
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}
