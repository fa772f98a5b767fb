//go:build linux

package stratum

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ignoredErrnos is the Linux-specific "ignored" socket error set of
// spec.md §4.1: routine disconnects that are not logged as errors,
// grounded on the teacher's platform-specific socket-error handling
// (tcp_rtt_linux.go's direct unix syscall usage).
var ignoredErrnos = map[syscall.Errno]struct{}{
	syscall.ECONNRESET:   {}, // 104
	syscall.ECANCELED:    {}, // 125
	syscall.ECONNABORTED: {}, // 103
	syscall.ETIMEDOUT:    {}, // 110
	syscall.EPIPE:        {}, // 32
}

// isIgnoredSocketError reports whether err is one of the routine
// disconnect errnos spec.md §4.1 says should not be logged as errors.
func isIgnoredSocketError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	_, ok := ignoredErrnos[errno]
	return ok
}

// reuseAddrControl sets SO_REUSEADDR (and SO_REUSEPORT where available) on
// every stratum listener socket before bind, per spec.md §4.2's "address
// reuse enabled" requirement.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// listenTCPBacklog opens a TCP listener with an explicit accept backlog.
// net.ListenConfig has no public knob for this: Go computes the backlog
// passed to listen(2) internally from the OS somaxconn default, so
// acceptBacklog would otherwise silently do nothing. Grounded on the same
// direct unix syscall usage as reuseAddrControl above, generalized to the
// socket/bind/listen sequence net.ListenConfig performs internally.
func listenTCPBacklog(address string, port, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil && tcpAddr.IP != nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	var sa unix.Sockaddr
	if domain == unix.AF_INET6 {
		var addr16 [16]byte
		copy(addr16[:], tcpAddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: addr16}
	} else {
		var addr4 [4]byte
		copy(addr4[:], ip4)
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: addr4}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("stratum-listener-%s:%d", address, port))
	ln, err := net.FileListener(file)
	_ = file.Close()
	if err != nil {
		return nil, err
	}
	return ln, nil
}
