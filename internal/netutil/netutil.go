// Package netutil owns the socket-level details of the relay: address
// family selection, listener construction with an explicit backlog, and
// per-connection tuning.
package netutil

import (
	"fmt"
	"net"
	"strings"
)

// Family restricts a listener to one address family. FamilyUnspecified
// listens dual-stack where the platform allows it.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "v4"
	case FamilyIPv6:
		return "v6"
	default:
		return "unspecified"
	}
}

// ParseFamily maps a config value onto a Family. An empty string means
// unspecified.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified", "dual":
		return FamilyUnspecified, nil
	case "v4", "ipv4", "inet":
		return FamilyIPv4, nil
	case "v6", "ipv6", "inet6":
		return FamilyIPv6, nil
	}
	return FamilyUnspecified, fmt.Errorf("unknown address family %q", s)
}

// Tune applies the relay's per-connection socket options: immediate sends,
// abortive close on release, and kernel buffers sized to twice the frame
// limit so a full frame can be in flight in each direction. Best effort;
// a connection that rejects an option is still usable.
func Tune(conn *net.TCPConn, frameSize int) {
	_ = conn.SetNoDelay(true)
	_ = conn.SetLinger(0)
	_ = conn.SetReadBuffer(2 * frameSize)
	_ = conn.SetWriteBuffer(2 * frameSize)
}
