package progress

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics (registered once)
var (
	metricsOnce           sync.Once
	eventsEmittedTotal    *prometheus.CounterVec
	listenerFailuresTotal prometheus.Counter
	activeBusesGauge      prometheus.Gauge
)

func initMetrics() {
	metricsOnce.Do(func() {
		eventsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symposium_progress_events_total",
				Help: "Total number of progress events emitted by type",
			},
			[]string{"type"},
		)

		listenerFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "symposium_progress_listener_failures_total",
				Help: "Total number of listener invocations that panicked",
			},
		)

		activeBusesGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "symposium_progress_active_buses",
				Help: "Number of session buses currently attached",
			},
		)
	})
}
