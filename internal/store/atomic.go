package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriteFile writes data to a temp file in the same directory, syncs
// it and renames it over filename so readers see either the old or the new
// content.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(filename), ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempFileName := f.Name()

	defer os.Remove(tempFileName)
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write data to temp file: %w", err)
	}

	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush temp file data: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempFileName, filename); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
