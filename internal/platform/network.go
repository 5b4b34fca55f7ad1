package platform

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// BringUpLoopback sets the loopback interface of the current network
// namespace up.
func BringUpLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find loopback: %w", err)
	}

	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("set loopback up: %w", err)
	}

	return nil
}
