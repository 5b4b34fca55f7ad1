package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/opencontainers/runtime-spec/specs-go"
	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

var seccompActions = map[specs.LinuxSeccompAction]libseccomp.ScmpAction{
	specs.ActKill:        libseccomp.ActKillThread,
	specs.ActKillThread:  libseccomp.ActKillThread,
	specs.ActKillProcess: libseccomp.ActKillProcess,
	specs.ActTrap:        libseccomp.ActTrap,
	specs.ActErrno:       libseccomp.ActErrno,
	specs.ActTrace:       libseccomp.ActTrace,
	specs.ActAllow:       libseccomp.ActAllow,
	specs.ActLog:         libseccomp.ActLog,
	specs.ActNotify:      libseccomp.ActNotify,
}

var seccompOperators = map[specs.LinuxSeccompOperator]libseccomp.ScmpCompareOp{
	specs.OpNotEqual:     libseccomp.CompareNotEqual,
	specs.OpLessThan:     libseccomp.CompareLess,
	specs.OpLessEqual:    libseccomp.CompareLessOrEqual,
	specs.OpEqualTo:      libseccomp.CompareEqual,
	specs.OpGreaterEqual: libseccomp.CompareGreaterEqual,
	specs.OpGreaterThan:  libseccomp.CompareGreater,
	specs.OpMaskedEqual:  libseccomp.CompareMaskedEqual,
}

var seccompArches = map[specs.Arch]libseccomp.ScmpArch{
	specs.ArchX86:         libseccomp.ArchX86,
	specs.ArchX86_64:      libseccomp.ArchAMD64,
	specs.ArchX32:         libseccomp.ArchX32,
	specs.ArchARM:         libseccomp.ArchARM,
	specs.ArchAARCH64:     libseccomp.ArchARM64,
	specs.ArchMIPS:        libseccomp.ArchMIPS,
	specs.ArchMIPS64:      libseccomp.ArchMIPS64,
	specs.ArchMIPS64N32:   libseccomp.ArchMIPS64N32,
	specs.ArchMIPSEL:      libseccomp.ArchMIPSEL,
	specs.ArchMIPSEL64:    libseccomp.ArchMIPSEL64,
	specs.ArchMIPSEL64N32: libseccomp.ArchMIPSEL64N32,
	specs.ArchPPC:         libseccomp.ArchPPC,
	specs.ArchPPC64:       libseccomp.ArchPPC64,
	specs.ArchPPC64LE:     libseccomp.ArchPPC64LE,
	specs.ArchS390:        libseccomp.ArchS390,
	specs.ArchS390X:       libseccomp.ArchS390X,
	specs.ArchRISCV64:     libseccomp.ArchRISCV64,
}

// SeccompSupport returns the actions, operators and architectures that
// seccomp policies may use.
func SeccompSupport() (actions, operators, archs []string) {
	return names(seccompActions), names(seccompOperators), names(seccompArches)
}

func names[K ~string, V any](m map[K]V) []string {
	out := make([]string, 0, len(m))
	for k := range maps.Keys(m) {
		out = append(out, string(k))
	}
	slices.Sort(out)

	return out
}

func lookup[K comparable, V any](m map[K]V, key K, invalid V) V {
	if v, ok := m[key]; ok {
		return v
	}

	return invalid
}

// seccompAction resolves action, setting the errno for SCMP_ACT_ERRNO from
// errnoRet, then fallback, then EPERM.
func seccompAction(
	action specs.LinuxSeccompAction,
	errnoRet, fallback *uint,
) libseccomp.ScmpAction {
	act := lookup(seccompActions, action, libseccomp.ActInvalid)
	if action != specs.ActErrno {
		return act
	}

	errno := int16(unix.EPERM)
	switch {
	case errnoRet != nil:
		errno = int16(*errnoRet)
	case fallback != nil:
		errno = int16(*fallback)
	}

	return act.SetReturnCode(errno)
}

// SeccompFilter builds a filter from the config. The caller releases it.
func SeccompFilter(config *specs.LinuxSeccomp) (*libseccomp.ScmpFilter, error) {
	filter, err := libseccomp.NewFilter(seccompAction(config.DefaultAction, config.DefaultErrnoRet, nil))
	if err != nil {
		return nil, fmt.Errorf("new seccomp filter: %w", err)
	}

	if err := populateFilter(filter, config); err != nil {
		filter.Release()
		return nil, err
	}

	return filter, nil
}

func populateFilter(filter *libseccomp.ScmpFilter, config *specs.LinuxSeccomp) error {
	for _, arch := range config.Architectures {
		if err := filter.AddArch(lookup(seccompArches, arch, libseccomp.ArchInvalid)); err != nil {
			return fmt.Errorf("add seccomp arch %s: %w", arch, err)
		}
	}

	for _, sc := range config.Syscalls {
		action := seccompAction(sc.Action, sc.ErrnoRet, config.DefaultErrnoRet)

		conditions, err := seccompConditions(sc.Args)
		if err != nil {
			return err
		}

		for _, name := range sc.Names {
			num, err := libseccomp.GetSyscallFromName(name)
			if errors.Is(err, libseccomp.ErrSyscallDoesNotExist) {
				slog.Debug("skip unknown syscall", "name", name)
				continue
			}
			if err != nil {
				return fmt.Errorf("resolve syscall %s: %w", name, err)
			}

			if len(conditions) == 0 {
				err = filter.AddRule(num, action)
			} else {
				err = filter.AddRuleConditional(num, action, conditions)
			}
			if err != nil {
				return fmt.Errorf("add seccomp rule for %s: %w", name, err)
			}
		}
	}

	if config.DefaultAction != specs.ActErrno {
		return nil
	}

	// glibc falls back to clone when clone3 returns ENOSYS, but not on EPERM.
	if !syscallAllowed(config, "clone3") {
		if err := addFallbackRule(filter, "clone3", libseccomp.ActErrno.SetReturnCode(int16(unix.ENOSYS))); err != nil {
			return err
		}
	}

	// glibc and musl prefer faccessat2 and don't fall back to faccessat on
	// EPERM, so profiles written before 5.8 need it allowed alongside.
	if syscallAllowed(config, "faccessat") && !syscallMentioned(config, "faccessat2") {
		if err := addFallbackRule(filter, "faccessat2", libseccomp.ActAllow); err != nil {
			return err
		}
	}

	return nil
}

func seccompConditions(args []specs.LinuxSeccompArg) ([]libseccomp.ScmpCondition, error) {
	conditions := make([]libseccomp.ScmpCondition, 0, len(args))

	for _, arg := range args {
		op := lookup(seccompOperators, arg.Op, libseccomp.CompareInvalid)

		// For masked comparisons libseccomp takes the mask first.
		a, b := arg.Value, arg.ValueTwo
		if arg.Op == specs.OpMaskedEqual {
			a, b = b, a
		}

		cond, err := libseccomp.MakeCondition(arg.Index, op, a, b)
		if err != nil {
			return nil, fmt.Errorf("make seccomp condition on arg %d: %w", arg.Index, err)
		}

		conditions = append(conditions, cond)
	}

	return conditions, nil
}

func syscallAllowed(config *specs.LinuxSeccomp, name string) bool {
	return slices.ContainsFunc(config.Syscalls, func(sc specs.LinuxSyscall) bool {
		return sc.Action == specs.ActAllow && slices.Contains(sc.Names, name)
	})
}

func syscallMentioned(config *specs.LinuxSeccomp, name string) bool {
	return slices.ContainsFunc(config.Syscalls, func(sc specs.LinuxSyscall) bool {
		return slices.Contains(sc.Names, name)
	})
}

func addFallbackRule(filter *libseccomp.ScmpFilter, name string, action libseccomp.ScmpAction) error {
	num, err := libseccomp.GetSyscallFromName(name)
	if err != nil {
		slog.Debug("syscall not known to libseccomp", "name", name, "err", err)
		return nil
	}

	if err := filter.AddRule(num, action); err != nil {
		return fmt.Errorf("add %s rule: %w", name, err)
	}

	return nil
}

// LoadSeccomp installs the filter described by config on the calling
// thread.
func LoadSeccomp(config *specs.LinuxSeccomp) error {
	filter, err := SeccompFilter(config)
	if err != nil {
		return err
	}
	defer filter.Release()

	// no_new_privs is set by the capabilities step when configured.
	if err := filter.SetNoNewPrivsBit(false); err != nil {
		return fmt.Errorf("clear seccomp no_new_privs attribute: %w", err)
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}

	return nil
}
