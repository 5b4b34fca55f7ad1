package resources

import (
	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Rlimit is a resource limit resolved to its kernel resource number.
type Rlimit struct {
	Resource int    `json:"resource"`
	Hard     uint64 `json:"hard"`
	Soft     uint64 `json:"soft"`
}

var rlimitResources = map[string]int{
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
}

func buildRlimits(rlimits []specs.POSIXRlimit) ([]Rlimit, error) {
	out := make([]Rlimit, 0, len(rlimits))
	seen := make(map[string]bool, len(rlimits))

	for _, rl := range rlimits {
		resource, ok := rlimitResources[rl.Type]
		if !ok {
			return nil, errdefs.InvalidConfigf("unknown rlimit type %q", rl.Type)
		}

		if seen[rl.Type] {
			return nil, errdefs.InvalidConfigf("rlimit %s specified more than once", rl.Type)
		}
		seen[rl.Type] = true

		if rl.Soft > rl.Hard {
			return nil, errdefs.InvalidConfigf("rlimit %s soft limit exceeds hard limit", rl.Type)
		}

		out = append(out, Rlimit{Resource: resource, Hard: rl.Hard, Soft: rl.Soft})
	}

	return out, nil
}
