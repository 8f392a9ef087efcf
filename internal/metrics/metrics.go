// Package metrics provides Prometheus instrumentation for the docserver. It
// exposes gauges for connections and open documents, counters for update
// and presence throughput, and a histogram for save latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nschat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OpenDocuments tracks the number of documents with a live room.
	OpenDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nschat_open_documents",
		Help: "Current number of open chat documents",
	})

	// MessagesTotal counts protocol frames, labeled by direction and type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nschat_messages_total",
		Help: "Total number of protocol messages processed",
	}, []string{"direction", "type"}) // direction = "in", "out"

	// DocUpdates counts CRDT updates applied to server replicas, labeled by
	// where they came from: "client", "replica" or "local".
	DocUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nschat_doc_updates_total",
		Help: "Total number of document updates applied",
	}, []string{"source"})

	// RejectedUpdates counts edits refused by validation, read-only mode or
	// rate limiting.
	RejectedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nschat_rejected_updates_total",
		Help: "Total number of document edits rejected",
	}, []string{"reason"})

	// AwarenessUpdates counts presence updates relayed.
	AwarenessUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nschat_awareness_updates_total",
		Help: "Total number of presence updates relayed",
	})

	// SavesTotal counts document saves, labeled by result.
	SavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nschat_saves_total",
		Help: "Total number of document saves",
	}, []string{"result"}) // result = "ok", "error"

	// SaveLatency records how long persisting a transcript takes.
	SaveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nschat_save_latency_seconds",
		Help:    "Document save latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OpenDocuments,
		MessagesTotal,
		DocUpdates,
		RejectedUpdates,
		AwarenessUpdates,
		SavesTotal,
		SaveLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
