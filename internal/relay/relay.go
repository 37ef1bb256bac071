// Package relay implements the concurrent TCP endpoint at the center of
// the harness: a listening socket, an accept loop, and per-connection
// sessions that frame inbound bytes into a bounded buffer, hand them to a
// pluggable protocol handler, and relay the handler's outbound messages
// back to the wire.
//
// The relay is protocol agnostic. Everything protocol-shaped lives behind
// the Handler boundary; the relay only moves bytes and manages lifecycles.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/anvil-dev/anvil/internal/netutil"
)

// DefaultMaxFrameSize bounds a single inbound read when the configuration
// does not override it.
const DefaultMaxFrameSize = 131072

// listenBacklog is the fixed accept backlog for the listening socket.
const listenBacklog = 100

// ProtocolVersion selects the protocol revision that handlers are
// constructed for. The relay itself never interprets payload bytes; the
// version is validated once and passed through to the handler factory.
type ProtocolVersion int

const (
	Version3 ProtocolVersion = iota + 3
	Version4
	Version5
)

func (v ProtocolVersion) String() string {
	switch v {
	case Version3:
		return "3"
	case Version4:
		return "4"
	case Version5:
		return "5"
	}
	return fmt.Sprintf("%d", int(v))
}

// Supported reports whether the relay can serve handlers for the version.
// Version5 depends on broker-side behavior the harness does not provide,
// so configuring it fails at construction rather than misbehaving later.
func (v ProtocolVersion) Supported() bool {
	return v == Version3 || v == Version4
}

var (
	// ErrAlreadyBound is returned by Bind when the server already holds a
	// listening socket.
	ErrAlreadyBound = errors.New("server is already bound")

	// ErrUnsupportedVersion is returned by NewServer for a protocol version
	// the relay cannot serve.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrShutdown is returned by Bind on a server that has already been
	// shut down. Shutdown is terminal; a server cannot be rebound.
	ErrShutdown = errors.New("server is shut down")
)

// Config carries the immutable settings for one Server. The address family
// and frame size are fixed for the server's lifetime once Bind succeeds.
type Config struct {
	// Hostname or IP on which the server listens. Blank listens on all
	// interfaces.
	Hostname string

	// Port to bind. 0 asks the OS for an ephemeral port, observable through
	// BoundPort after Bind.
	Port int

	// Family restricts the listener to one address family. Unspecified
	// listens dual-stack.
	Family netutil.Family

	// MaxFrameSize caps a single inbound read and sizes the outbound buffer
	// pool. Defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	// Version is handed to handler construction after validation.
	Version ProtocolVersion

	// Heartbeat is the keep-alive delay handed to handler construction. The
	// relay does not enforce it.
	Heartbeat time.Duration

	// MaxConnections caps concurrent sessions; 0 means unlimited. The
	// accept loop polls while the cap is reached.
	MaxConnections int
}
