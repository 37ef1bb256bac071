package relay

import (
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/cancel"
)

// netConn is the slice of *net.TCPConn the session relies on, narrowed so
// tests can script partial writes and read failures.
type netConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// session owns one accepted connection for its lifetime: the receive loop,
// the write-back path handed to the handler, and the linked cancellation
// that unwinds it on kick or shutdown. Sessions are independently
// lifetimed; nothing outside holds more than the identifier-to-signal
// association in the registry.
type session struct {
	srv    *Server
	conn   netConn
	remote string
	logger *logrus.Entry

	// signal is this session's private kick target; linked fires when
	// either signal or the server's global signal does.
	signal *cancel.Signal
	linked *cancel.Signal

	handler Handler

	// closed is write-once: set on a clean close from the peer or a local
	// Close. It gates the disconnect courtesy, which would otherwise be
	// sent to a peer that already hung up.
	closed    atomic.Bool
	connected atomic.Bool
	released  sync.Once

	id          atomic.Value // string, set at most once
	reason      CloseReason
	connectedAt time.Time
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	frames      atomic.Uint64
}

var _ SessionConn = (*session)(nil)

func (s *Server) newSession(conn netConn) *session {
	private := cancel.New()
	remote := conn.RemoteAddr().String()

	sn := &session{
		srv:         s,
		conn:        conn,
		remote:      remote,
		logger:      s.logger.WithField("remote", remote),
		signal:      private,
		linked:      cancel.Link(private, s.global),
		connectedAt: time.Now(),
	}
	sn.connected.Store(true)
	return sn
}

// run drives the session to completion. It only returns once the socket
// has been released and the handler notified.
func (s *session) run() {
	defer s.teardown()

	s.handler = s.srv.factory(s, HandlerConfig{
		Version:   s.srv.config.Version,
		Heartbeat: s.srv.config.Heartbeat,
		Logger:    s.logger,
	})

	go s.watchIdentity()
	go s.unblockOnCancel()

	s.logger.Info("accepted connection")
	s.srv.observeOpened(s.snapshot())

	s.receiveLoop()
}

// receiveLoop reads into the session's fixed buffer and forwards each
// received chunk to the handler until the peer closes, the handler closes,
// the linked signal fires, or the socket fails.
func (s *session) receiveLoop() {
	buffer := make([]byte, s.srv.config.MaxFrameSize)

	for {
		if s.linked.Triggered() {
			s.reason = CloseCancelled
			return
		}
		if s.closed.Load() {
			s.reason = CloseLocal
			return
		}

		n, err := s.conn.Read(buffer)
		if n > 0 {
			// Copy exactly the received bytes out of the reusable buffer;
			// the handler may retain the chunk past this call.
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			s.bytesIn.Add(uint64(n))
			s.frames.Add(1)
			s.srv.observeData(s.snapshot(), DirectionIn, chunk)
			s.handler.HandleBytes(chunk)
		}

		switch {
		case err == nil && n > 0:

		case s.linked.Triggered():
			// The cancellation poke aborted the read. Not an error.
			s.reason = CloseCancelled
			return

		case s.closed.Load():
			// Closed locally between reads.
			s.reason = CloseLocal
			return

		case errors.Is(err, io.EOF) || (err == nil && n == 0):
			// Clean close from the peer. No disconnect courtesy is owed on
			// this path; the peer is already gone.
			s.closed.Store(true)
			s.release()
			s.reason = ClosePeer
			return

		default:
			// Socket-level failure, contained to this session. The socket
			// is released but the session is not marked closed, so the
			// handler still gets to attempt its disconnect notification.
			s.logger.Warnf("read error: %v", err)
			s.release()
			s.reason = CloseError
			return
		}
	}
}

// teardown runs the disconnect courtesy and releases everything exactly
// once, recovering from handler panics so one session cannot take its
// siblings down with it.
func (s *session) teardown() {
	if r := recover(); r != nil {
		s.logger.Errorf("panic in session: %v\n%s", r, debug.Stack())
		s.reason = CloseError
	}

	if s.handler != nil && !s.closed.Load() {
		s.handler.DisconnectFromServer()
	}

	s.closed.Store(true)
	s.release()

	// Ends the identity watch and the cancellation poke for this session.
	s.signal.Trigger()

	if id := s.identity(); id != "" {
		s.srv.registry.Unregister(id, s.signal)
	}

	s.srv.dropSession(s)
	s.srv.observeClosed(s.snapshot(), s.reason)
	s.logger.Info("disconnected")
}

// watchIdentity waits for the handler to assign the peer's identifier and
// performs the registry insert. At most one registration per session; a
// session whose peer never identifies is only reachable through Shutdown.
func (s *session) watchIdentity() {
	select {
	case id, ok := <-s.handler.ClientID():
		if !ok || id == "" {
			return
		}
		s.id.Store(id)
		s.srv.registry.Register(id, s.signal)

		// A registration that lost the race with teardown is rolled back
		// here rather than left behind for the next session with this id.
		if s.linked.Triggered() {
			s.srv.registry.Unregister(id, s.signal)
			return
		}

		s.logger.Infof("client identified as %q", id)
		s.srv.observeIdentified(s.snapshot())
	case <-s.linked.Done():
	}
}

// unblockOnCancel pokes the blocked receive when the linked signal fires.
// A read deadline is used instead of closing the socket so the handler's
// disconnect courtesy still has a connection to write to.
func (s *session) unblockOnCancel() {
	<-s.linked.Done()
	_ = s.conn.SetReadDeadline(time.Now())
}

// release closes the socket exactly once. Push fails fast once the socket
// is gone.
func (s *session) release() {
	s.released.Do(func() {
		s.connected.Store(false)
		if err := s.conn.Close(); err != nil {
			s.logger.Warnf("failed to close client connection: %v", err)
		}
	})
}

// Alloc returns an outbound buffer from the server pool.
func (s *session) Alloc() []byte {
	return s.srv.buffers.get()
}

// Push writes buf[:n] to the wire. The buffer is returned to the pool
// exactly once no matter how the push ends. A short first send is retried
// once with the remainder; a transport that shorts two sends in a row, or
// accepts nothing, is treated as stalled rather than as backpressure to
// wait out, and the push fails.
func (s *session) Push(buf []byte, n int) bool {
	defer s.srv.buffers.put(buf)

	if !s.connected.Load() {
		return false
	}
	if n < 0 || n > len(buf) {
		s.logger.Warnf("push of %d bytes does not fit the supplied %d byte buffer", n, len(buf))
		return false
	}
	if n == 0 {
		// Nothing to send; the push only hands the buffer back.
		return true
	}

	sent, err := s.conn.Write(buf[:n])
	switch {
	case err != nil:
		s.logger.Warnf("write error: %v", err)
		return false

	case sent == n:

	case sent == 0:
		s.logger.Warnf("peer accepted none of a %d byte write", n)
		return false

	default:
		remaining := n - sent
		more, err := s.conn.Write(buf[sent:n])
		if err != nil {
			s.logger.Warnf("write error on retry: %v", err)
			return false
		}
		if more != remaining {
			s.logger.Warnf("short write: peer accepted %d of %d bytes", sent+more, n)
			return false
		}
	}

	s.bytesOut.Add(uint64(n))
	s.srv.observeData(s.snapshot(), DirectionOut, buf[:n])
	return true
}

// Close marks the session closed and releases the socket. Idempotent and
// immediate; the receive loop observes the flag on its next pass.
func (s *session) Close() {
	s.closed.Store(true)
	s.release()
}

// RemoteAddr returns the peer's address.
func (s *session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *session) identity() string {
	if v := s.id.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *session) snapshot() SessionInfo {
	return SessionInfo{
		ClientID:    s.identity(),
		RemoteAddr:  s.remote,
		ConnectedAt: s.connectedAt,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		Frames:      s.frames.Load(),
	}
}
