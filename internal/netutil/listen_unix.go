//go:build linux || darwin

package netutil

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen opens a listening TCP socket on host:port. The socket is built
// directly rather than through net.Listen so the accept backlog and kernel
// buffer sizes can be set explicitly, and so an unspecified family can be
// forced dual-stack. Port 0 asks the OS for an ephemeral port; the resolved
// address is available from the returned listener.
func Listen(family Family, host string, port, backlog, bufferSize int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("error resolving listen address %q: %w", host, err)
	}

	fam := unix.AF_INET6
	if family == FamilyIPv4 || (family == FamilyUnspecified && addr.IP.To4() != nil) {
		fam = unix.AF_INET
	}

	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("error creating socket: %w", err)
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufferSize)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufferSize)
	if fam == unix.AF_INET6 {
		// V6ONLY off makes the v6 socket serve both stacks when no family
		// was requested.
		v6only := 0
		if family == FamilyIPv6 {
			v6only = 1
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only)
	}

	sa := sockaddr(fam, addr)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error binding to %v: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("error listening on %v: %w", addr, err)
	}

	// net.FileListener dups the descriptor, so ours is closed either way.
	file := os.NewFile(uintptr(fd), addr.String())
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("error adopting listen socket: %w", err)
	}

	return listener, nil
}

func sockaddr(fam int, addr *net.TCPAddr) unix.Sockaddr {
	if fam == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return sa
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	return sa
}
