package platform

import (
	"fmt"
	"net"
	"os"

	"github.com/containerd/console"
	"github.com/nixpig/kiln/internal/ipc"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// SetupConsole allocates a pseudo-terminal, sends its master to the
// console socket and makes the slave the calling process's controlling
// terminal and stdio.
func SetupConsole(socket *os.File, size *specs.Box) error {
	slave, err := OpenConsole(socket, size)
	if err != nil {
		return err
	}
	defer slave.Close()

	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}

	if err := unix.IoctlSetInt(int(slave.Fd()), unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("set controlling terminal: %w", err)
	}

	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup3(int(slave.Fd()), fd, 0); err != nil {
			return fmt.Errorf("dup pty slave to %d: %w", fd, err)
		}
	}

	return nil
}

// OpenConsole allocates a pseudo-terminal, sends its master to the console
// socket and returns the slave.
func OpenConsole(socket *os.File, size *specs.Box) (*os.File, error) {
	conn, err := net.FileConn(socket)
	if err != nil {
		return nil, fmt.Errorf("console socket: %w", err)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("console socket is not a unix socket")
	}

	pty, slavePath, err := console.NewPty()
	if err != nil {
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	defer pty.Close()

	if size != nil {
		if err := pty.Resize(console.WinSize{
			Height: uint16(size.Height),
			Width:  uint16(size.Width),
		}); err != nil {
			return nil, fmt.Errorf("resize pty: %w", err)
		}
	}

	if err := ipc.SendFd(uc, slavePath, pty.Fd()); err != nil {
		return nil, fmt.Errorf("send pty master: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open pty slave: %w", err)
	}

	return slave, nil
}
