package relay

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/cancel"
	"github.com/anvil-dev/anvil/internal/netutil"
	"github.com/anvil-dev/anvil/internal/registry"
)

// Server binds the relay configuration to a listening socket, an accept
// loop, a client registry, and the global cancellation signal. Shutdown is
// two-level: Shutdown unwinds everything through the global signal, while
// TryKickClient unwinds exactly one identified session through its private
// signal.
type Server struct {
	config  Config
	factory HandlerFactory
	logger  *logrus.Logger

	global   *cancel.Signal
	registry *registry.Registry
	buffers  *bufferPool
	sinks    []Sink

	mu        sync.Mutex
	listener  net.Listener
	bound     bool
	port      int
	sessions  map[*session]struct{}
	startedAt time.Time

	wg sync.WaitGroup
}

// Option configures a Server at construction.
type Option func(*Server)

// WithSink registers an observation sink for session lifecycle and data
// events. Sinks are invoked in registration order.
func WithSink(sink Sink) Option {
	return func(s *Server) { s.sinks = append(s.sinks, sink) }
}

// NewServer validates cfg and prepares an unbound server. Configuration
// problems (an unsupported protocol version, an unusable frame size) fail
// here, before any socket work happens.
func NewServer(cfg Config, factory HandlerFactory, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if !cfg.Version.Supported() {
		return nil, fmt.Errorf("protocol version %s: %w", cfg.Version, ErrUnsupportedVersion)
	}
	if factory == nil {
		return nil, errors.New("a handler factory is required")
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.MaxFrameSize < 0 {
		return nil, fmt.Errorf("max frame size %d is not usable", cfg.MaxFrameSize)
	}

	server := &Server{
		config:   cfg,
		factory:  factory,
		logger:   logger,
		global:   cancel.New(),
		registry: registry.New(),
		buffers:  newBufferPool(cfg.MaxFrameSize),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(server)
	}
	return server, nil
}

// Bind opens the listening socket and starts the accept loop. The resolved
// port is observable through BoundPort once Bind returns. Bind is not
// re-entrant: a second call fails with ErrAlreadyBound, including after
// Shutdown, and a server shut down before ever binding fails with
// ErrShutdown.
func (s *Server) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return ErrAlreadyBound
	}
	if s.global.Triggered() {
		return ErrShutdown
	}

	listener, err := netutil.Listen(
		s.config.Family,
		s.config.Hostname,
		s.config.Port,
		listenBacklog,
		2*s.config.MaxFrameSize,
	)
	if err != nil {
		return fmt.Errorf("error binding to %s:%d: %w", s.config.Hostname, s.config.Port, err)
	}

	s.listener = listener
	s.bound = true
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Infof("listening on %s (protocol version %s)", listener.Addr(), s.config.Version)
	return nil
}

// Shutdown triggers the global cancellation signal and closes the
// listening socket. Idempotent, safe before Bind, and never fails
// observably; errors from an already-closed socket are swallowed.
func (s *Server) Shutdown() {
	s.global.Trigger()

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
}

// TryKickClient evicts the session registered under id. It only signals;
// the session unwinds on its own schedule. Returns false for an unknown
// id, with no side effects.
func (s *Server) TryKickClient(id string) bool {
	kicked := s.registry.Kick(id)
	if kicked {
		s.logger.Infof("kicked client %q", id)
	}
	return kicked
}

// BoundPort reports the resolved listening port, or 0 before Bind.
func (s *Server) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Wait blocks until the accept loop and every session have unwound. Meant
// for use after Shutdown.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// IdentifiedClients returns the ids currently registered for kicking, in
// sorted order.
func (s *Server) IdentifiedClients() []string {
	return s.registry.IDs()
}

// Snapshot returns a point-in-time view of every active session, oldest
// first.
func (s *Server) Snapshot() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sn := range s.sessions {
		sessions = append(sessions, sn)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sn := range sessions {
		infos = append(infos, sn.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Stats is a point-in-time summary of the server for status surfaces.
type Stats struct {
	BoundPort      int
	Version        ProtocolVersion
	ActiveSessions int
	Identified     []string
	StartedAt      time.Time
	PoolGets       uint64
	PoolPuts       uint64
}

func (s *Server) Stats() Stats {
	gets, puts := s.buffers.stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BoundPort:      s.port,
		Version:        s.config.Version,
		ActiveSessions: len(s.sessions),
		Identified:     s.registry.IDs(),
		StartedAt:      s.startedAt,
		PoolGets:       gets,
		PoolPuts:       puts,
	}
}

// acceptLoop runs until the global signal triggers. Each accepted
// connection is tuned and registered before the loop returns to accepting,
// so the MaxConnections check always counts the session it just started; a
// burst of dials while at the cap sits in the listen backlog. The loop
// never waits on a session, so one stalled client cannot delay another's
// acceptance.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	defer s.logger.Info("shutting down (waiting for sessions to close)")

	for {
		// Poll until a session slot frees up.
		for s.config.MaxConnections > 0 && s.ActiveSessions() >= s.config.MaxConnections {
			select {
			case <-s.global.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener out from under us; that is the
			// normal way this loop ends, not a failure.
			if s.global.Triggered() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("failed to accept connection: %v", err)
			continue
		}

		if s.global.Triggered() {
			_ = conn.Close()
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			netutil.Tune(tcpConn, s.config.MaxFrameSize)
		}
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn netConn) *session {
	sn := s.newSession(conn)

	s.mu.Lock()
	s.sessions[sn] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sn.run()
	}()
	return sn
}

func (s *Server) dropSession(sn *session) {
	s.mu.Lock()
	delete(s.sessions, sn)
	s.mu.Unlock()
}
