package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveEvent("routing_updated")
	r.ObserveEvent("routing_updated")
	r.ObserveEvent("new_listen_addr")
	r.ObserveIdentifyError()
	r.ObserveQuery("bootstrap", true)
	r.ObserveQuery("bootstrap", false)
	r.SetPeersKnown(7)
	r.ObservePruned(3)
	r.ObservePruned(0)
	r.SetConnectionsOpen(2)
	r.ObserveInbound("FIND_NODE", false)
	r.ObserveInbound("", true)

	if got := testutil.ToFloat64(r.events.WithLabelValues("routing_updated")); got != 2 {
		t.Errorf("routing_updated events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.identifyErrors); got != 1 {
		t.Errorf("identify errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.queries.WithLabelValues("bootstrap", "error")); got != 1 {
		t.Errorf("bootstrap errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.peersKnown); got != 7 {
		t.Errorf("peers known = %v, want 7", got)
	}
	if got := testutil.ToFloat64(r.peersPruned); got != 3 {
		t.Errorf("peers pruned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.connectionsOpen); got != 2 {
		t.Errorf("connections open = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.inbound.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown inbound = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.rateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveEvent("x")
	r.ObserveIdentifyError()
	r.ObserveQuery("bootstrap", true)
	r.SetPeersKnown(1)
	r.ObservePruned(1)
	r.SetConnectionsOpen(1)
	r.ObserveInbound("PING", true)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveEvent("mdns_discovered")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `dsn_events_total{kind="mdns_discovered"} 1`) {
		t.Errorf("metrics output missing event counter:\n%s", rec.Body.String())
	}
}
