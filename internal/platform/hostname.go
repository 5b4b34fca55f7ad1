package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetHostname sets the hostname and domain name of the UTS namespace. Empty
// values are left unchanged.
func SetHostname(hostname, domainname string) error {
	if hostname != "" {
		if err := unix.Sethostname([]byte(hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}

	if domainname != "" {
		if err := unix.Setdomainname([]byte(domainname)); err != nil {
			return fmt.Errorf("set domainname: %w", err)
		}
	}

	return nil
}
