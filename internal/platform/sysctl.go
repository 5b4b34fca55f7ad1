package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SetSysctls writes each kernel parameter under /proc/sys.
func SetSysctls(sysctl map[string]string) error {
	for key, value := range sysctl {
		if err := os.WriteFile(sysctlPath(key), []byte(value), 0o644); err != nil {
			return fmt.Errorf("write sysctl %s: %w", key, err)
		}
	}

	return nil
}

func sysctlPath(key string) string {
	return filepath.Join("/proc/sys", strings.ReplaceAll(key, ".", "/"))
}
