package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/anvil-dev/anvil/internal/relay"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := New()
	info := relay.SessionInfo{RemoteAddr: "127.0.0.1:52000"}

	m.SessionOpened(info)
	m.SessionOpened(info)
	m.SessionIdentified(info)
	m.Data(info, relay.DirectionIn, []byte("12345"))
	m.Data(info, relay.DirectionOut, []byte("123"))
	m.SessionClosed(info, relay.ClosePeer)

	if got := testutil.ToFloat64(m.sessionsAccepted); got != 2 {
		t.Errorf("sessions_accepted_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsIdentified); got != 1 {
		t.Errorf("sessions_identified_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues(string(relay.ClosePeer))); got != 1 {
		t.Errorf("sessions_closed_total{reason=peer_closed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesTotal.WithLabelValues(string(relay.DirectionIn))); got != 5 {
		t.Errorf("bytes_total{direction=in} = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.bytesTotal.WithLabelValues(string(relay.DirectionOut))); got != 3 {
		t.Errorf("bytes_total{direction=out} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.framesTotal.WithLabelValues(string(relay.DirectionIn))); got != 1 {
		t.Errorf("frames_total{direction=in} = %v, want 1", got)
	}
}
