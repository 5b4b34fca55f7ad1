package platform

import (
	"fmt"

	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

const ioprioWhoProcess = 1

// SetScheduling applies the scheduler policy and I/O priority of process to
// the calling process.
func SetScheduling(process resources.Process) error {
	if s := process.Scheduler; s != nil {
		attr, err := schedAttr(s)
		if err != nil {
			return err
		}

		if err := unix.SchedSetAttr(0, attr, 0); err != nil {
			return fmt.Errorf("set scheduler attributes: %w", err)
		}
	}

	if iop := process.IOPriority; iop != nil {
		prio, err := resources.IOPriorityValue(iop)
		if err != nil {
			return err
		}

		if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, ioprioWhoProcess, 0, uintptr(prio)); errno != 0 {
			return fmt.Errorf("set io priority: %w", errno)
		}
	}

	return nil
}

func schedAttr(s *specs.Scheduler) (*unix.SchedAttr, error) {
	policy, flags, err := resources.SchedulerPolicy(s)
	if err != nil {
		return nil, err
	}

	return &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   policy,
		Flags:    flags,
		Nice:     s.Nice,
		Priority: uint32(s.Priority),
		Runtime:  s.Runtime,
		Deadline: s.Deadline,
		Period:   s.Period,
	}, nil
}
