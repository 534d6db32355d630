package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts handled HTTP requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personadb_http_requests_total",
		Help: "HTTP requests handled, by route and status class.",
	}, []string{"route", "status"})

	// IdentityOps counts identity lifecycle operations by kind and outcome.
	IdentityOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personadb_identity_ops_total",
		Help: "Identity operations, by op and outcome.",
	}, []string{"op", "outcome"})

	// MessageOps counts message lifecycle operations by kind and outcome.
	MessageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personadb_message_ops_total",
		Help: "Message lifecycle operations, by op and outcome.",
	}, []string{"op", "outcome"})

	// SweepRuns counts expiry sweep runs by outcome.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personadb_sweep_runs_total",
		Help: "Expiry sweep runs, by outcome.",
	}, []string{"outcome"})

	// SweepPurged counts entities removed or deactivated by the sweeper.
	SweepPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "personadb_sweep_purged_total",
		Help: "Entities purged by the expiry sweeper, by kind.",
	}, []string{"kind"})

	// SweepDuration observes sweep run duration in seconds.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "personadb_sweep_duration_seconds",
		Help:    "Duration of expiry sweep runs.",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }
