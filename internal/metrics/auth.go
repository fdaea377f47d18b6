package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts counts authentication outcomes. The reason label carries
	// the internal root cause (ok, malformed, not_found, expired, revoked,
	// mismatch, store_error) that the HTTP boundary deliberately hides.
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_auth_attempts_total",
			Help: "Token authentication attempts by internal outcome",
		},
		[]string{"reason"},
	)

	// AuthCandidates observes the candidate set size per prefix lookup.
	// Growth here means prefix collisions are degrading authentication
	// back toward a linear scan and the prefix length needs revisiting.
	AuthCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokengate_auth_candidate_set_size",
			Help:    "Number of token records sharing the lookup prefix",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50},
		},
	)

	// RateLimited counts requests rejected by the per-token rate limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_rate_limited_total",
			Help: "Requests rejected by the per-token rate limiter",
		},
	)

	// UsageDropped counts usage records dropped because the recorder
	// buffer was full.
	UsageDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_usage_records_dropped_total",
			Help: "Usage records dropped due to a full recorder buffer",
		},
	)

	// UsageWriteErrors counts failed usage record inserts. Writes fail
	// open, so this is the only place those failures surface.
	UsageWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengate_usage_write_errors_total",
			Help: "Failed usage record writes",
		},
	)
)
