// Package metrics exposes Prometheus instrumentation for the trading core.
//
// Primary series:
//   - trader_ws_frames_total{channel}      – data frames received per channel
//   - trader_ws_reconnects_total           – session reconnect attempts
//   - trader_events_deduped_total{channel} – events dropped as duplicates
//   - trader_queue_drops_total{queue}      – events dropped on full queues
//   - trader_external_closes_total{result} – external close reconciliations
//   - trader_orders_upserted_total         – order records written
//
// Registered in init() and served by promhttp at /metrics from the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_ws_frames_total",
			Help: "Data frames received per channel",
		},
		[]string{"channel"},
	)

	SessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
	)

	EventsDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_events_deduped_total",
			Help: "Stream events discarded as duplicates",
		},
		[]string{"channel"},
	)

	QueueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_queue_drops_total",
			Help: "Events dropped because a bounded queue was full",
		},
		[]string{"queue"},
	)

	ExternalCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_external_closes_total",
			Help: "External close events by reconciliation result",
		},
		[]string{"result"}, // applied | orphan | noop
	)

	OrdersUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_orders_upserted_total",
			Help: "Order records written to the store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FramesReceived,
		SessionReconnects,
		EventsDeduped,
		QueueDrops,
		ExternalCloses,
		OrdersUpserted,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
