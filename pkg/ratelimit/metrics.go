package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for rate-limit reactions.
var (
	rateLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_rate_limit_hits_total",
		Help: "Total HTTP 429 responses by scope",
	}, []string{"scope"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_rate_limit_wait_seconds",
		Help:    "Wait applied after a rate-limit response by scope",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"scope"})
)
