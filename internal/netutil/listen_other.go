//go:build !linux && !darwin

package netutil

import (
	"net"
	"strconv"
)

// Listen falls back to the portable listener on platforms without the raw
// socket path. The backlog is left to the OS default and listener-level
// buffer sizing is skipped; per-connection tuning still applies.
func Listen(family Family, host string, port, backlog, bufferSize int) (net.Listener, error) {
	network := "tcp"
	switch family {
	case FamilyIPv4:
		network = "tcp4"
	case FamilyIPv6:
		network = "tcp6"
	}
	return net.Listen(network, net.JoinHostPort(host, strconv.Itoa(port)))
}
