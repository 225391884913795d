// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection counts, counters for pipeline outcomes,
// and histograms for moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatme_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts pipeline outcomes, labeled by result:
	// "accepted", "flagged", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatme_messages_total",
		Help: "Total number of messages processed by the moderation pipeline",
	}, []string{"result"})

	// FlaggedByCategory counts flagged messages per toxicity category.
	FlaggedByCategory = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatme_flagged_messages_total",
		Help: "Total number of flagged messages per toxicity category",
	}, []string{"category"})

	// PipelineLatency records full moderation pipeline latency in seconds
	// (substitution, classification, and the persist transaction).
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatme_pipeline_latency_seconds",
		Help:    "Moderation pipeline latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// BroadcastsTotal counts messages published to room subjects.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatme_broadcasts_total",
		Help: "Total number of messages published to room subjects",
	})

	// RoomSubscriptions tracks the current number of local room subscriptions.
	RoomSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatme_room_subscriptions",
		Help: "Current number of connections subscribed to a room on this server",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		FlaggedByCategory,
		PipelineLatency,
		BroadcastsTotal,
		RoomSubscriptions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
