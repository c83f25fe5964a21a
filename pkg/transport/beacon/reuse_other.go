//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package beacon

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable; only one
// peer per host can then bind the beacon port.
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
