package platform

import (
	"fmt"

	"github.com/nixpig/kiln/internal/resources"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/syndtr/gocapability/capability"
)

// capSets pairs each OCI capability set with its capability type.
func capSets(caps *specs.LinuxCapabilities) map[capability.CapType][]string {
	return map[capability.CapType][]string{
		capability.EFFECTIVE:   caps.Effective,
		capability.PERMITTED:   caps.Permitted,
		capability.INHERITABLE: caps.Inheritable,
		capability.AMBIENT:     caps.Ambient,
	}
}

func lookupCaps(names []string) ([]capability.Cap, error) {
	out := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := resources.Capabilities[name]
		if !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		out = append(out, c)
	}

	return out, nil
}

// DropBoundingCapabilities removes everything not listed in the bounding
// set from the calling thread's bounding set.
func DropBoundingCapabilities(caps *specs.LinuxCapabilities) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("init capabilities: %w", err)
	}

	bounding, err := lookupCaps(caps.Bounding)
	if err != nil {
		return err
	}

	c.Clear(capability.BOUNDS)
	c.Set(capability.BOUNDING, bounding...)

	if err := c.Apply(capability.BOUNDS); err != nil {
		return fmt.Errorf("apply bounding set: %w", err)
	}

	return nil
}

// SetCapabilities replaces the effective, permitted, inheritable and
// ambient sets of the calling thread.
func SetCapabilities(caps *specs.LinuxCapabilities) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("init capabilities: %w", err)
	}

	c.Clear(capability.CAPS | capability.AMBS)

	for which, names := range capSets(caps) {
		list, err := lookupCaps(names)
		if err != nil {
			return err
		}
		c.Set(which, list...)
	}

	if err := c.Apply(capability.CAPS | capability.AMBS); err != nil {
		return fmt.Errorf("apply capabilities: %w", err)
	}

	return nil
}
