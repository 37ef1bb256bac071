// Package echo implements the reference line protocol served by the relay.
// Every received line is echoed back to the peer, with two commands: the
// first "IDENT <name>" line assigns the session's client identifier, and
// "QUIT" asks the server to close the session.
package echo

import (
	"bytes"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/relay"
)

// Handler speaks the line protocol over one session. The relay never runs
// HandleBytes and DisconnectFromServer concurrently, so the line buffer
// needs no locking.
type Handler struct {
	conn   relay.SessionConn
	logger *logrus.Entry

	// pending holds a partial line carried over between chunks.
	pending    []byte
	idCh       chan string
	identified bool
}

var _ relay.Handler = (*Handler)(nil)

// New builds a Handler for one session. Its signature matches
// relay.HandlerFactory.
func New(conn relay.SessionConn, cfg relay.HandlerConfig) relay.Handler {
	return &Handler{
		conn:   conn,
		logger: cfg.Logger,
		idCh:   make(chan string, 1),
	}
}

func (h *Handler) HandleBytes(data []byte) {
	h.pending = append(h.pending, data...)

	for {
		i := bytes.IndexByte(h.pending, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimRight(string(h.pending[:i]), "\r")
		h.pending = h.pending[i+1:]
		h.handleLine(line)
	}
}

func (h *Handler) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, "IDENT "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "IDENT "))
		if id == "" {
			h.send("ERR missing identifier")
			return
		}
		if h.identified {
			h.send("ERR already identified")
			return
		}
		h.identified = true
		h.idCh <- id
		h.send("OK " + id)

	case line == "QUIT":
		h.send("BYE")
		h.conn.Close()

	default:
		h.send(line)
	}
}

func (h *Handler) send(line string) {
	buf := h.conn.Alloc()

	// The line and its newline must fit in one frame; a longer response is
	// dropped whole rather than truncated mid-line.
	if len(line) >= len(buf) {
		h.conn.Push(buf, 0)
		h.logger.Warnf("dropped %d byte response: exceeds the frame limit", len(line)+1)
		return
	}

	n := copy(buf, line)
	buf[n] = '\n'
	n++
	if !h.conn.Push(buf, n) {
		h.logger.Debugf("dropped %d byte response", n)
	}
}

// ClientID yields the identifier from the first IDENT line, if any.
func (h *Handler) ClientID() <-chan string {
	return h.idCh
}

// DisconnectFromServer sends a goodbye line so the peer can tell a kick or
// shutdown apart from a dropped connection.
func (h *Handler) DisconnectFromServer() {
	h.send("BYE")
}
