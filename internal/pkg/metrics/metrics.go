// Package metrics provides Prometheus metrics for the auth core (attempts, lockouts,
// sessions, tokens, second factor and store health). Dashboards and alerts rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authcore"

var (
	// LoginAttemptsTotal counts recorded login outcomes by result (success|failure).
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Total number of recorded login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LockoutsTotal counts account lockouts created.
	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Total number of account lockouts created.",
		},
	)

	// LockoutChecksDegradedTotal counts lock checks answered from policy because the store failed.
	LockoutChecksDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockout_checks_degraded_total",
			Help:      "Lockout checks answered by fail mode because the store was unavailable.",
		},
		[]string{"fail_mode"},
	)

	// IPRateLimitedTotal counts attempts rejected by the local per-IP limiter.
	IPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_rate_limited_total",
			Help:      "Total number of login attempts rejected by the per-IP rate limiter.",
		},
	)

	// SessionsCreatedTotal counts sessions created.
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created.",
		},
	)

	// SessionsEvictedTotal counts sessions evicted by the per-user cap.
	SessionsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total number of sessions evicted because the per-user cap was reached.",
		},
	)

	// SessionIndexPrunedTotal counts dangling session IDs removed from user indexes.
	SessionIndexPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_index_pruned_total",
			Help:      "Total number of expired session IDs pruned from user session indexes.",
		},
	)

	// TokensIssuedTotal counts signed tokens by kind (access|refresh).
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of tokens issued by kind.",
		},
		[]string{"kind"},
	)

	// TokensRevokedTotal counts revocation entries written.
	TokensRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_revoked_total",
			Help:      "Total number of tokens revoked before natural expiry.",
		},
	)

	// TokenVerificationsTotal counts token verifications by kind and result (valid|invalid).
	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_verifications_total",
			Help:      "Total number of token verifications by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SecondFactorVerificationsTotal counts second-factor checks by method (totp|backup) and result.
	SecondFactorVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "second_factor_verifications_total",
			Help:      "Total number of second-factor verifications by method and result.",
		},
		[]string{"method", "result"},
	)

	// SuspiciousIPsTotal counts logins flagged as coming from an unrecognized IP.
	SuspiciousIPsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_ips_total",
			Help:      "Total number of logins flagged from an unrecognized IP.",
		},
	)

	// StoreOpDurationSeconds is key-value store latency by operation.
	StoreOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Key-value store operation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.5, 10), // 0.5ms to ~1.9s
		},
		[]string{"op"},
	)

	// StoreOpErrorsTotal counts failed store operations by operation.
	StoreOpErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_op_errors_total",
			Help:      "Total number of failed key-value store operations.",
		},
		[]string{"op"},
	)

	// MemoryStoreEvictionsTotal counts live keys dropped because the in-process store was full.
	MemoryStoreEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_store_evictions_total",
			Help:      "Total number of live keys evicted from the in-process store at capacity.",
		},
	)

	// AuditWriteErrorsTotal counts security events that could not be persisted.
	AuditWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Total number of security audit events that failed to persist.",
		},
	)
)
