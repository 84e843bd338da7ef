package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcsa_gate_export_total",
		Help: "Gate export attempts by result (ok, error, rejected)",
	}, []string{"result"})

	exportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tcsa_gate_export_duration_seconds",
		Help:    "Time spent pushing one gate record over Flight",
		Buckets: prometheus.DefBuckets,
	})

	// breakerState mirrors the export circuit breaker (0 closed, 1 open, 2 half-open)
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcsa_gate_export_breaker_state",
		Help: "Export circuit breaker state: 0 closed, 1 open, 2 half-open",
	})
)
