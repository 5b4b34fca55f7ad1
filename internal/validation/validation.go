package validation

import (
	"fmt"
	"os"
	"path/filepath"

	cerrdefs "github.com/containerd/errdefs"
)

// maxLength is the maximum length of a container ID.
const maxLength = 64

// ContainerID validates that the provided ID is not empty, does not exceed
// maxLength, and only contains alphanumeric, '_', '-' and '.' characters. A
// leading '.' is rejected since the ID names a directory under the root.
func ContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty container ID", cerrdefs.ErrInvalidArgument)
	}

	if len(id) > maxLength {
		return fmt.Errorf(
			"%w: container ID max length is %d chars",
			cerrdefs.ErrInvalidArgument,
			maxLength,
		)
	}

	if id[0] == '.' {
		return fmt.Errorf(
			"%w: container ID may not start with '.'",
			cerrdefs.ErrInvalidArgument,
		)
	}

	for _, c := range id {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '-' ||
			c == '_' ||
			c == '.') {
			return fmt.Errorf(
				"%w: container ID may only contain alphanumeric, '-', '_' and '.' chars",
				cerrdefs.ErrInvalidArgument,
			)
		}
	}

	return nil
}

// Bundle resolves bundle to an absolute path and checks it is a directory.
func Bundle(bundle string) (string, error) {
	abs, err := filepath.Abs(bundle)
	if err != nil {
		return "", fmt.Errorf("%w: resolve bundle path: %s", cerrdefs.ErrInvalidArgument, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: stat bundle: %s", cerrdefs.ErrInvalidArgument, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: bundle %s is not a directory", cerrdefs.ErrInvalidArgument, abs)
	}

	return abs, nil
}
