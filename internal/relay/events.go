package relay

import "time"

// Direction tags relayed data in observation callbacks.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// CloseReason records how a session ended.
type CloseReason string

const (
	// ClosePeer: the peer closed the connection cleanly.
	ClosePeer CloseReason = "peer_closed"
	// CloseCancelled: the session was unwound by a kick or server shutdown.
	CloseCancelled CloseReason = "cancelled"
	// CloseLocal: the handler closed the session.
	CloseLocal CloseReason = "closed"
	// CloseError: a socket-level failure ended the session.
	CloseError CloseReason = "io_error"
)

// SessionInfo is a point-in-time snapshot of one session.
type SessionInfo struct {
	// ClientID is empty until the handler identifies the peer.
	ClientID    string
	RemoteAddr  string
	ConnectedAt time.Time
	BytesIn     uint64
	BytesOut    uint64
	// Frames counts inbound chunks forwarded to the handler.
	Frames uint64
}

// Sink observes session lifecycles and relayed data. Implementations must
// be safe for concurrent use; the relay invokes them inline from session
// goroutines, and the data slice is only valid for the duration of the
// call.
type Sink interface {
	SessionOpened(info SessionInfo)
	SessionIdentified(info SessionInfo)
	SessionClosed(info SessionInfo, reason CloseReason)
	Data(info SessionInfo, direction Direction, data []byte)
}

func (s *Server) observeOpened(info SessionInfo) {
	for _, sink := range s.sinks {
		sink.SessionOpened(info)
	}
}

func (s *Server) observeIdentified(info SessionInfo) {
	for _, sink := range s.sinks {
		sink.SessionIdentified(info)
	}
}

func (s *Server) observeClosed(info SessionInfo, reason CloseReason) {
	for _, sink := range s.sinks {
		sink.SessionClosed(info, reason)
	}
}

func (s *Server) observeData(info SessionInfo, direction Direction, data []byte) {
	for _, sink := range s.sinks {
		sink.Data(info, direction, data)
	}
}
