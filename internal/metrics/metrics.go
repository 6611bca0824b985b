package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverflow_generations_total",
			Help: "Generation attempts by provider and outcome (the error kind, or done).",
		},
		[]string{"provider", "outcome"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverflow_generation_duration_seconds",
			Help:    "End-to-end generation time, gating to settlement.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	PollAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coverflow_provider_poll_attempts",
			Help:    "Poll attempts spent per job before it reached a terminal state or timed out.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 120},
		},
		[]string{"provider"},
	)

	PersistenceDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverflow_persistence_degraded_total",
			Help: "Results returned with the provider URL because local storage failed.",
		},
	)

	SettlementRaceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coverflow_settlement_race_total",
			Help: "Successful generations that found no credit left at settlement.",
		},
	)

	CreditsDebitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverflow_credits_debited_total",
			Help: "Credits consumed, by kind.",
		},
		[]string{"kind"},
	)

	PaymentSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverflow_payment_settlements_total",
			Help: "Payment notifications by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GenerationsTotal,
		GenerationDuration,
		PollAttempts,
		PersistenceDegradedTotal,
		SettlementRaceTotal,
		CreditsDebitedTotal,
		PaymentSettlementsTotal,
	)
}
