package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcsa_response_cache_hits_total",
		Help: "Forward responses served from the cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcsa_response_cache_misses_total",
		Help: "Forward requests not found in the cache",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcsa_response_cache_evictions_total",
		Help: "Cached forward responses evicted to make room",
	})
)
