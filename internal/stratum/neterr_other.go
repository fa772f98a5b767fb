//go:build !linux

package stratum

import (
	"fmt"
	"net"
	"syscall"
)

// isIgnoredSocketError is the portable fallback for platforms without the
// Linux-specific errno set in neterr_linux.go: it reports false for every
// error, so no socket error is treated as routine.
func isIgnoredSocketError(err error) bool {
	return false
}

// reuseAddrControl is a no-op on non-Linux platforms; net.ListenConfig
// still binds successfully, just without the explicit SO_REUSEADDR/
// SO_REUSEPORT hints spec.md §4.2 calls for on Linux.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

// listenTCPBacklog falls back to a plain net.Listen on platforms without
// the Linux-specific raw-socket path in neterr_linux.go; backlog is
// ignored and the OS default applies.
func listenTCPBacklog(address string, port, _ int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
}
