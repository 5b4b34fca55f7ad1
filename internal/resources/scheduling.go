package resources

import (
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
)

var ioPriorityClasses = map[specs.IOPriorityClass]int{
	specs.IOPRIO_CLASS_RT:   1,
	specs.IOPRIO_CLASS_BE:   2,
	specs.IOPRIO_CLASS_IDLE: 3,
}

var schedulerPolicies = map[specs.LinuxSchedulerPolicy]uint32{
	specs.SchedOther:    0,
	specs.SchedFIFO:     1,
	specs.SchedRR:       2,
	specs.SchedBatch:    3,
	specs.SchedISO:      4,
	specs.SchedIdle:     5,
	specs.SchedDeadline: 6,
}

var schedulerFlags = map[specs.LinuxSchedulerFlag]uint64{
	specs.SchedFlagResetOnFork:  0x01,
	specs.SchedFlagReclaim:      0x02,
	specs.SchedFlagDLOverrun:    0x04,
	specs.SchedFlagKeepPolicy:   0x08,
	specs.SchedFlagKeepParams:   0x10,
	specs.SchedFlagUtilClampMin: 0x20,
	specs.SchedFlagUtilClampMax: 0x40,
}

// IOPriorityValue encodes iop as the value taken by ioprio_set.
func IOPriorityValue(iop *specs.LinuxIOPriority) (int, error) {
	class, ok := ioPriorityClasses[iop.Class]
	if !ok {
		return 0, errdefs.InvalidConfigf("unknown io priority class %q", iop.Class)
	}

	if iop.Priority < 0 || iop.Priority > 7 {
		return 0, errdefs.InvalidConfigf("io priority %d must be between 0 and 7", iop.Priority)
	}

	return class<<13 | iop.Priority, nil
}

// SchedulerPolicy returns the kernel policy number and flag bits for s.
func SchedulerPolicy(s *specs.Scheduler) (uint32, uint64, error) {
	policy, ok := schedulerPolicies[s.Policy]
	if !ok {
		return 0, 0, errdefs.InvalidConfigf("unknown scheduler policy %q", s.Policy)
	}

	var flags uint64
	for _, f := range s.Flags {
		bit, ok := schedulerFlags[f]
		if !ok {
			return 0, 0, errdefs.InvalidConfigf("unknown scheduler flag %q", f)
		}
		flags |= bit
	}

	return policy, flags, nil
}

func validateScheduling(process *specs.Process) error {
	if process.IOPriority != nil {
		if _, err := IOPriorityValue(process.IOPriority); err != nil {
			return err
		}
	}

	if s := process.Scheduler; s != nil {
		if _, _, err := SchedulerPolicy(s); err != nil {
			return err
		}

		if s.Nice < -20 || s.Nice > 19 {
			return errdefs.InvalidConfigf("scheduler nice %d must be between -20 and 19", s.Nice)
		}
	}

	return nil
}
