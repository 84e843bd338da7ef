package attention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// gateDuration tracks time spent computing a single gate
	gateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tcsa_gate_duration_seconds",
		Help:    "Time spent computing one attention gate",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"axis"})

	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcsa_forward_total",
		Help: "Total number of forward passes by variant and mode",
	}, []string{"variant", "mode"})
)
