package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/echo"
	"github.com/anvil-dev/anvil/internal/metrics"
	"github.com/anvil-dev/anvil/internal/netutil"
	"github.com/anvil-dev/anvil/internal/relay"
)

type testFixture struct {
	relay   *relay.Server
	tracker *Tracker
	ts      *httptest.Server
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tracker := NewTracker(logger)
	m := metrics.New()

	relayServer, err := relay.NewServer(relay.Config{
		Hostname: "127.0.0.1",
		Family:   netutil.FamilyIPv4,
		Version:  relay.Version4,
	}, echo.New, logger, relay.WithSink(tracker), relay.WithSink(m))
	if err != nil {
		t.Fatalf("error constructing relay server: %v", err)
	}
	if err := relayServer.Bind(); err != nil {
		t.Fatalf("error binding relay server: %v", err)
	}

	server := New(relayServer, tracker, m, logger)
	ts := httptest.NewServer(server.Routes())

	t.Cleanup(func() {
		// Hijacked websocket connections must go before ts.Close, which
		// waits for them.
		tracker.hub.Close()
		ts.Close()
		relayServer.Shutdown()
		relayServer.Wait()
	})
	return &testFixture{relay: relayServer, tracker: tracker, ts: ts}
}

func (f *testFixture) dialEcho(t *testing.T) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.relay.BoundPort()))
	if err != nil {
		t.Fatalf("error dialing relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("error requesting %s: %v", url, err)
	}
	defer resp.Body.Close()

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("error decoding response from %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("error posting to %s: %v", url, err)
	}
	defer resp.Body.Close()

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("error decoding response from %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestServer_Status(t *testing.T) {
	f := newTestFixture(t)
	conn := f.dialEcho(t)

	if _, err := conn.Write([]byte("IDENT gamma\n")); err != nil {
		t.Fatalf("error identifying: %v", err)
	}
	waitFor(t, func() bool { return len(f.relay.IdentifiedClients()) == 1 })

	var status statusResponse
	if code := getJSON(t, f.ts.URL+"/v1/status", &status); code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d, want 200", code)
	}

	if status.BoundPort != f.relay.BoundPort() {
		t.Errorf("status bound_port = %d, want %d", status.BoundPort, f.relay.BoundPort())
	}
	if status.ProtocolVersion != "4" {
		t.Errorf("status protocol_version = %q, want 4", status.ProtocolVersion)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("status active_sessions = %d, want 1", status.ActiveSessions)
	}
	if len(status.IdentifiedClients) != 1 || status.IdentifiedClients[0] != "gamma" {
		t.Errorf("status identified_clients = %v, want [gamma]", status.IdentifiedClients)
	}
	if status.StartedAt.IsZero() {
		t.Error("status started_at missing for a bound server")
	}
}

func TestServer_Sessions(t *testing.T) {
	f := newTestFixture(t)
	first := f.dialEcho(t)
	second := f.dialEcho(t)
	waitFor(t, func() bool { return f.relay.ActiveSessions() == 2 })

	var sessions []sessionResponse
	if code := getJSON(t, f.ts.URL+"/v1/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("GET /v1/sessions = %d, want 200", code)
	}
	if len(sessions) != 2 {
		t.Fatalf("GET /v1/sessions listed %d sessions, want 2", len(sessions))
	}

	listed := map[string]bool{}
	for _, session := range sessions {
		listed[session.RemoteAddr] = true
	}
	for _, conn := range []net.Conn{first, second} {
		if !listed[conn.LocalAddr().String()] {
			t.Errorf("session list is missing %s", conn.LocalAddr())
		}
	}
}

func TestServer_KickEndpoint(t *testing.T) {
	f := newTestFixture(t)
	conn := f.dialEcho(t)

	if _, err := conn.Write([]byte("IDENT kickme\n")); err != nil {
		t.Fatalf("error identifying: %v", err)
	}
	waitFor(t, func() bool { return len(f.relay.IdentifiedClients()) == 1 })

	var kicked map[string]string
	url := f.ts.URL + "/v1/sessions/kickme/kick"
	if code := postJSON(t, url, &kicked); code != http.StatusOK {
		t.Fatalf("POST %s = %d, want 200", url, code)
	}
	if kicked["kicked"] != "kickme" {
		t.Errorf("kick response = %v, want kicked=kickme", kicked)
	}
	waitFor(t, func() bool { return f.relay.ActiveSessions() == 0 })

	// The registration is gone, so a second kick misses.
	var errBody map[string]string
	if code := postJSON(t, url, &errBody); code != http.StatusNotFound {
		t.Fatalf("second POST %s = %d, want 404", url, code)
	}
	if errBody["error"] == "" {
		t.Errorf("404 response carried no error message: %v", errBody)
	}
}

func TestServer_RecentSessions(t *testing.T) {
	f := newTestFixture(t)
	conn := f.dialEcho(t)

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("error writing to relay: %v", err)
	}

	// Drain the echo before closing so the close arrives as a FIN rather
	// than a reset.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, make([]byte, 5)); err != nil {
		t.Fatalf("error reading echo reply: %v", err)
	}

	conn.Close()
	waitFor(t, func() bool { return f.relay.ActiveSessions() == 0 })

	var recent []sessionSummary
	if code := getJSON(t, f.ts.URL+"/v1/sessions/recent", &recent); code != http.StatusOK {
		t.Fatalf("GET /v1/sessions/recent = %d, want 200", code)
	}
	if len(recent) != 1 {
		t.Fatalf("GET /v1/sessions/recent listed %d sessions, want 1", len(recent))
	}
	if recent[0].Reason != string(relay.ClosePeer) {
		t.Errorf("recent session reason = %q, want %q", recent[0].Reason, relay.ClosePeer)
	}
	if recent[0].BytesIn != 5 {
		t.Errorf("recent session bytes_in = %d, want 5", recent[0].BytesIn)
	}
}

func TestServer_EventStream(t *testing.T) {
	f := newTestFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/events"
	wsConn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("error dialing event stream: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { wsConn.Close() })
	waitFor(t, func() bool { return f.tracker.hub.ClientCount() == 1 })

	conn := f.dialEcho(t)
	_ = wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var opened Event
	if _, data, err := wsConn.ReadMessage(); err != nil {
		t.Fatalf("error reading event: %v", err)
	} else if err := json.Unmarshal(data, &opened); err != nil {
		t.Fatalf("error unmarshaling event: %v", err)
	}
	if opened.Type != EventOpened {
		t.Fatalf("first event type = %q, want %q", opened.Type, EventOpened)
	}
	if opened.RemoteAddr != conn.LocalAddr().String() {
		t.Errorf("event remote %q does not match connection %q", opened.RemoteAddr, conn.LocalAddr())
	}

	conn.Close()

	var closed Event
	if _, data, err := wsConn.ReadMessage(); err != nil {
		t.Fatalf("error reading event: %v", err)
	} else if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("error unmarshaling event: %v", err)
	}
	if closed.Type != EventClosed {
		t.Fatalf("second event type = %q, want %q", closed.Type, EventClosed)
	}
	if closed.Reason != string(relay.ClosePeer) {
		t.Errorf("close event reason = %q, want %q", closed.Reason, relay.ClosePeer)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	f := newTestFixture(t)
	conn := f.dialEcho(t)

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("error writing to relay: %v", err)
	}
	waitFor(t, func() bool {
		infos := f.relay.Snapshot()
		return len(infos) == 1 && infos[0].BytesIn > 0
	})

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("error requesting metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("error reading metrics body: %v", err)
	}
	for _, metric := range []string{
		"anvil_sessions_accepted_total 1",
		"anvil_sessions_active 1",
		`anvil_bytes_total{direction="in"} 5`,
	} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("metrics output is missing %q", metric)
		}
	}
}
