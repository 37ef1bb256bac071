package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/relay"
)

const (
	EventOpened     = "opened"
	EventIdentified = "identified"
	EventClosed     = "closed"
)

// Event is one session lifecycle change pushed to websocket subscribers.
type Event struct {
	Type       string    `json:"type"`
	ClientID   string    `json:"client_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Hub fans session events out to websocket subscribers.
type Hub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and holds the connection open until
// the subscriber goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warnf("failed to upgrade event subscriber: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast pushes the event to every subscriber, dropping any whose
// connection fails. Writes stay under the hub lock: events arrive from
// many session goroutines and websocket connections do not allow
// concurrent writers.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

const (
	recentTTL   = 15 * time.Minute
	recentSweep = 10 * time.Minute
)

// Tracker is the relay sink feeding the HTTP surface: it broadcasts
// lifecycle events to websocket subscribers and keeps a short-lived record
// of recently closed sessions.
type Tracker struct {
	hub    *Hub
	recent *gocache.Cache
}

var _ relay.Sink = (*Tracker)(nil)

func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		hub:    NewHub(logger),
		recent: gocache.New(recentTTL, recentSweep),
	}
}

// sessionSummary is the JSON shape for recently closed sessions.
type sessionSummary struct {
	ClientID    string    `json:"client_id,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	ClosedAt    time.Time `json:"closed_at"`
	Reason      string    `json:"reason"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Frames      uint64    `json:"frames"`
}

func (t *Tracker) SessionOpened(info relay.SessionInfo) {
	t.hub.Broadcast(Event{
		Type:       EventOpened,
		RemoteAddr: info.RemoteAddr,
		Timestamp:  time.Now(),
	})
}

func (t *Tracker) SessionIdentified(info relay.SessionInfo) {
	t.hub.Broadcast(Event{
		Type:       EventIdentified,
		ClientID:   info.ClientID,
		RemoteAddr: info.RemoteAddr,
		Timestamp:  time.Now(),
	})
}

func (t *Tracker) SessionClosed(info relay.SessionInfo, reason relay.CloseReason) {
	now := time.Now()
	summary := sessionSummary{
		ClientID:    info.ClientID,
		RemoteAddr:  info.RemoteAddr,
		ConnectedAt: info.ConnectedAt,
		ClosedAt:    now,
		Reason:      string(reason),
		BytesIn:     info.BytesIn,
		BytesOut:    info.BytesOut,
		Frames:      info.Frames,
	}

	// Remote address plus close time keeps reconnects from the same port
	// distinct within the cache window.
	key := fmt.Sprintf("%s@%d", info.RemoteAddr, now.UnixNano())
	t.recent.Set(key, summary, gocache.DefaultExpiration)

	t.hub.Broadcast(Event{
		Type:       EventClosed,
		ClientID:   info.ClientID,
		RemoteAddr: info.RemoteAddr,
		Reason:     string(reason),
		Timestamp:  now,
	})
}

func (t *Tracker) Data(relay.SessionInfo, relay.Direction, []byte) {}

// Recent lists sessions closed within the cache window, newest first.
func (t *Tracker) Recent() []sessionSummary {
	items := t.recent.Items()

	summaries := make([]sessionSummary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, item.Object.(sessionSummary))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ClosedAt.After(summaries[j].ClosedAt)
	})
	return summaries
}
