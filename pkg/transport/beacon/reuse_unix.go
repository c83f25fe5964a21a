//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package beacon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several peers on one host bind the beacon port.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}
