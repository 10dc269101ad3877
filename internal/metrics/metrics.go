// Package metrics provides Prometheus metrics for the authentication engine.
// All metrics use the "aegis" namespace and are registered with the default
// registry via promauto, so they are scraped on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aegis"

var (
	// SecurityEventsTotal counts security events by type and severity.
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "security_events_total",
			Help:      "Total number of security events recorded by event type and severity.",
		},
		[]string{"event_type", "severity"},
	)

	// AuditPersistFailuresTotal counts events that reached only the log sink.
	AuditPersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "persist_failures_total",
			Help:      "Total number of security events that could not be written to the database.",
		},
	)

	// SessionDecisionsTotal counts session validation outcomes.
	// outcome: accepted | the rejection code
	SessionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "decisions_total",
			Help:      "Total number of session validation decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// RiskAssessmentsTotal counts risk assessments by resulting tier.
	RiskAssessmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Total number of risk assessments by level.",
		},
		[]string{"level"},
	)

	// LockoutsTotal counts lockout transitions.
	// action: locked | unlocked | expired
	LockoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockout",
			Name:      "transitions_total",
			Help:      "Total number of lockout transitions by lockout type and action.",
		},
		[]string{"lockout_type", "action"},
	)

	// RateLimitDecisionsTotal counts adaptive rate-limit decisions.
	// result: allowed | limited | degraded
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of adaptive rate-limit decisions by risk level and result.",
		},
		[]string{"risk_level", "result"},
	)

	// BiometricVerificationsTotal counts biometric verification outcomes.
	BiometricVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "biometric",
			Name:      "verifications_total",
			Help:      "Total number of biometric verifications by type and outcome.",
		},
		[]string{"biometric_type", "outcome"},
	)

	// BreachLookupDurationSeconds tracks latency of breach-corpus range queries.
	BreachLookupDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "password",
			Name:      "breach_lookup_duration_seconds",
			Help:      "Duration of breach corpus lookups in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"result"},
	)

	// DBPoolConnections reports pgx pool connections by state.
	// state: acquired | idle | total
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "connections",
			Help:      "Current number of pooled database connections by state.",
		},
		[]string{"state"},
	)

	// DBPoolEmptyAcquires is the pool's running count of acquires that had
	// to wait for a connection.
	DBPoolEmptyAcquires = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      "empty_acquires",
			Help:      "Cumulative number of connection acquires that waited because the pool was empty.",
		},
	)

	// DBTxRetriesTotal counts re-run lockout transactions by cause.
	DBTxRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "tx_retries_total",
			Help:      "Total number of transactions re-run after a retryable failure.",
		},
		[]string{"cause"},
	)
)
