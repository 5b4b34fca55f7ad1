package platform

import (
	"fmt"

	"github.com/nixpig/kiln/internal/resources"
	"golang.org/x/sys/unix"
)

// SetRlimits applies each resource limit to the calling process.
func SetRlimits(rlimits []resources.Rlimit) error {
	for _, rl := range rlimits {
		if err := unix.Setrlimit(rl.Resource, &unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}); err != nil {
			return fmt.Errorf("set rlimit %d: %w", rl.Resource, err)
		}
	}

	return nil
}

// SetOOMScoreAdj sets the OOM killer score adjustment of the calling
// process.
func SetOOMScoreAdj(score int) error {
	if err := writeProcSelf("oom_score_adj", fmt.Sprint(score)); err != nil {
		return fmt.Errorf("set oom_score_adj: %w", err)
	}

	return nil
}
