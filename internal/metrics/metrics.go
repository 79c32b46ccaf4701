// Package metrics exposes Prometheus telemetry for the node's control loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the node. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	events          *prometheus.CounterVec
	identifyErrors  prometheus.Counter
	queries         *prometheus.CounterVec
	peersKnown      prometheus.Gauge
	peersPruned     prometheus.Counter
	connectionsOpen prometheus.Gauge
	inbound         *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

// NewRecorder registers metrics with provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsn_events_total",
			Help: "Swarm events handled by the dispatcher grouped by kind",
		}, []string{"kind"}),
		identifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsn_identify_errors_total",
			Help: "Total identity-exchange failures",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsn_queries_total",
			Help: "Completed outbound DHT queries grouped by kind and outcome",
		}, []string{"kind", "outcome"}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dsn_peers_known",
			Help: "Number of peers in the peer directory",
		}),
		peersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsn_peers_pruned_total",
			Help: "Total peers removed from the directory as stale",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dsn_connections_open",
			Help: "Number of open connections",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsn_inbound_requests_total",
			Help: "Inbound DHT requests grouped by message type",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsn_inbound_rate_limited_total",
			Help: "Inbound DHT requests over the per-peer rate limit",
		}),
	}

	reg.MustRegister(
		r.events,
		r.identifyErrors,
		r.queries,
		r.peersKnown,
		r.peersPruned,
		r.connectionsOpen,
		r.inbound,
		r.rateLimited,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveEvent counts one dispatched event.
func (r *Recorder) ObserveEvent(kind string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(kind).Inc()
}

// ObserveIdentifyError counts an identity-exchange failure.
func (r *Recorder) ObserveIdentifyError() {
	if r == nil {
		return
	}
	r.identifyErrors.Inc()
}

// ObserveQuery records a finished query.
func (r *Recorder) ObserveQuery(kind string, ok bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	r.queries.WithLabelValues(kind, outcome).Inc()
}

// SetPeersKnown records the directory size.
func (r *Recorder) SetPeersKnown(n int) {
	if r == nil {
		return
	}
	r.peersKnown.Set(float64(n))
}

// ObservePruned counts peers removed by a prune pass.
func (r *Recorder) ObservePruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.peersPruned.Add(float64(n))
}

// SetConnectionsOpen records the number of open connections.
func (r *Recorder) SetConnectionsOpen(n int) {
	if r == nil {
		return
	}
	r.connectionsOpen.Set(float64(n))
}

// ObserveInbound counts an inbound DHT request.
func (r *Recorder) ObserveInbound(msgType string, limited bool) {
	if r == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	r.inbound.WithLabelValues(msgType).Inc()
	if limited {
		r.rateLimited.Inc()
	}
}
