package resources

import (
	"strings"

	"github.com/nixpig/kiln/internal/errdefs"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/syndtr/gocapability/capability"
)

// Capabilities maps OCI capability names, e.g. CAP_SYS_ADMIN, to the
// capabilities known to the capability library.
var Capabilities = func() map[string]capability.Cap {
	caps := make(map[string]capability.Cap)
	for _, c := range capability.List() {
		caps["CAP_"+strings.ToUpper(c.String())] = c
	}

	return caps
}()

// ValidateCapabilities rejects capability names the host library doesn't know.
func ValidateCapabilities(caps *specs.LinuxCapabilities) error {
	if caps == nil {
		return nil
	}

	sets := map[string][]string{
		"bounding":    caps.Bounding,
		"effective":   caps.Effective,
		"inheritable": caps.Inheritable,
		"permitted":   caps.Permitted,
		"ambient":     caps.Ambient,
	}

	for set, names := range sets {
		for _, name := range names {
			if _, ok := Capabilities[name]; !ok {
				return errdefs.InvalidConfigf("unknown capability %q in %s set", name, set)
			}
		}
	}

	return nil
}
