package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// StartTime returns the start time of pid in milliseconds since the epoch.
// Together with the pid it identifies a process across pid reuse.
func StartTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d: %w", errdefs.ErrProcessNotFound, pid, err)
	}

	t, err := p.CreateTime()
	if err != nil {
		return 0, fmt.Errorf("%w: pid %d: %w", errdefs.ErrProcessNotFound, pid, err)
	}

	return t, nil
}

// Alive reports whether pid is running and, when startTime is non-zero,
// is still the process that started at startTime. Zombies count as dead.
func Alive(pid int, startTime int64) bool {
	if pid <= 0 {
		return false
	}

	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}

	if zombie(pid) {
		return false
	}

	if startTime == 0 {
		return true
	}

	t, err := StartTime(pid)
	if err != nil {
		return false
	}

	return t == startTime
}

// zombie reads the process state from /proc/<pid>/stat.
func zombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}

	// The command name is parenthesised and may itself contain spaces or
	// parentheses, so the state follows the last ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 || i+2 >= len(b) {
		return false
	}

	return b[i+2] == 'Z' || b[i+2] == 'X'
}

// Signal delivers sig to pid if it is still the process that started at
// startTime. A pid that has exited or been reused is ErrProcessNotFound.
func Signal(pid int, startTime int64, sig unix.Signal) error {
	if !Alive(pid, startTime) {
		return fmt.Errorf("%w: pid %d", errdefs.ErrProcessNotFound, pid)
	}

	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: pid %d", errdefs.ErrProcessNotFound, pid)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	return nil
}
