//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package source

import (
	"syscall"
)

// SO_REUSEPORT is not available; the port is bound exclusively.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
