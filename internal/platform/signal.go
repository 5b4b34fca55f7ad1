package platform

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const maxSignal = 64

// ParseSignal converts a signal name, with or without the SIG prefix, or a
// signal number to a signal. An unrecognised value returns 0.
func ParseSignal(s string) unix.Signal {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > maxSignal {
			return 0
		}
		return unix.Signal(n)
	}

	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}

	return unix.SignalNum(s)
}
