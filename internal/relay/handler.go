package relay

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is the protocol side of one session. The relay feeds it inbound
// bytes exactly as they arrived on the wire and consults it for the
// protocol-level courtesies it cannot perform itself.
//
// Handlers run concurrently across sessions but each instance is driven by
// a single session: HandleBytes and DisconnectFromServer are never invoked
// concurrently with each other.
type Handler interface {
	// HandleBytes receives one inbound chunk. Chunks arrive in wire order
	// and the slice is owned by the handler. It must not block the
	// session's receive loop indefinitely.
	HandleBytes(data []byte)

	// ClientID exposes the handler's deferred identity assignment. At most
	// one identifier is ever delivered; the channel stays silent when the
	// peer disconnects before identifying itself.
	ClientID() <-chan string

	// DisconnectFromServer asks the handler to emit its protocol-level
	// disconnect notification before teardown. Best effort; it must not
	// block and any writes it attempts may fail.
	DisconnectFromServer()
}

// HandlerFactory constructs the protocol handler for one accepted
// connection.
type HandlerFactory func(conn SessionConn, cfg HandlerConfig) Handler

// HandlerConfig carries the per-session settings a Handler is constructed
// with.
type HandlerConfig struct {
	Version   ProtocolVersion
	Heartbeat time.Duration
	Logger    *logrus.Entry
}

// SessionConn is the session surface handed to a Handler: a way to write
// back to the wire and to close the connection. It holds the socket and
// closed state itself, so handlers never touch the socket directly.
type SessionConn interface {
	// Alloc returns an outbound buffer from the session pool, len equal to
	// the configured max frame size. Hand it back through Push.
	Alloc() []byte

	// Push writes buf[:n] to the wire and releases buf back to the pool,
	// exactly once, on every path. A short write is retried once with the
	// remainder; a retry that comes up short again fails the push. Returns
	// false once the socket has been released. Pushing zero bytes releases
	// the buffer without touching the wire.
	Push(buf []byte, n int) bool

	// Close marks the session closed and releases the socket. Idempotent
	// and immediate.
	Close()

	// RemoteAddr returns the peer's address.
	RemoteAddr() net.Addr
}
