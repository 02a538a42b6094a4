// Package metrics provides Prometheus instrumentation for port-daddy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portdaddy_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the per-source rate limiter.",
	})
)

// Port registry metrics.
var (
	PortClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_port_claims_total",
		Help: "Total number of port claims, by outcome (new, existing, reclaimed).",
	}, []string{"outcome"})

	PortClaimRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_port_claim_retries_total",
		Help: "Total number of claim retries after unique-key collisions.",
	})
)

// Messaging metrics.
var (
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_messages_published_total",
		Help: "Total number of messages published across all channels.",
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_subscribers_active",
		Help: "Number of currently attached subscribers (SSE and WebSocket).",
	})

	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_subscribers_evicted_total",
		Help: "Total number of subscribers disconnected as slow consumers.",
	})
)

// Reaper metrics.
var (
	ReaperSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_reaper_sweeps_total",
		Help: "Total number of completed reaper sweeps.",
	})

	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portdaddy_reaper_sweep_duration_seconds",
		Help:    "Duration of a full reaper sweep in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	ReaperReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_reaper_reclaimed_total",
		Help: "Rows reclaimed by the reaper, by entity class.",
	}, []string{"entity"})
)

// Error metrics. Every surfaced kernel error increments its kind.
var (
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_errors_total",
		Help: "Total number of kernel errors surfaced to clients, by kind.",
	}, []string{"kind"})
)
