// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_ticks_total", Help: "Trade ticks delivered by the connector"},
		[]string{"symbol"},
	)
	MalformedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_malformed_messages_total", Help: "Feed messages dropped during normalization"},
		[]string{"symbol"},
	)
	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_duplicate_ticks_total", Help: "Ticks suppressed by the connector dedup set"},
		[]string{"symbol"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_reconnects_total", Help: "Feed reconnect attempts"},
		[]string{"symbol"},
	)
	LateTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_late_ticks_total", Help: "Ticks rejected by the resampler as late"},
		[]string{"symbol"},
	)
	AlignmentGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_alignment_gaps_total", Help: "Bars missing on one leg of the pair"},
		[]string{"pair", "missing"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_alerts_total", Help: "Alert transitions emitted"},
		[]string{"rule", "state"},
	)
	FlushFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pairwatch_flush_failures_total", Help: "Failed persistence flushes"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		MalformedTotal,
		DuplicatesTotal,
		ReconnectsTotal,
		LateTicksTotal,
		AlignmentGapsTotal,
		AlertsTotal,
		FlushFailuresTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
