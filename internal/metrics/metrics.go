// Package metrics provides Prometheus metrics for attest.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attest"

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks the number of in-flight HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// RateLimitRejections counts requests refused with 429.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the API rate limiter",
		},
	)

	// IdentitiesTotal tracks stored identities by state.
	IdentitiesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_total",
			Help:      "Number of stored signing identities",
		},
		[]string{"state"}, // "active" or "revoked"
	)

	// AuditEntriesTotal tracks the length of the audit chain.
	AuditEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Number of entries in the audit chain",
		},
	)

	// EncryptionOperations counts AEAD operations.
	EncryptionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encryption_operations_total",
			Help:      "Total number of encryption/decryption operations",
		},
		[]string{"operation", "result"}, // "seal"/"open", "ok"/"error"
	)

	// SigningOperations counts signing attempts by terminal outcome.
	SigningOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_operations_total",
			Help:      "Total number of signing attempts by outcome",
		},
		[]string{"outcome"}, // "complete", "unstamped", "failed"
	)

	// TimestampDuration tracks TSA round-trip latency.
	TimestampDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timestamp_request_duration_seconds",
			Help:      "RFC 3161 timestamp request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// TimestampVerifications counts tokens that passed local verification.
	TimestampVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_verifications_total",
			Help:      "Timestamp tokens verified, by whether the signer chain was validated",
		},
		[]string{"outcome"}, // "ok" or "unchained"
	)

	// AuditAppendConflicts counts compare-and-swap conflicts on append.
	AuditAppendConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_append_conflicts_total",
			Help:      "Audit appends that lost a tail race and were retried",
		},
	)

	// AuditChainBroken is set to 1 when the last verification found a break.
	AuditChainBroken = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_chain_broken",
			Help:      "1 if the last audit chain verification failed",
		},
	)

	// DatabaseConnections tracks database connection pool stats.
	DatabaseConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "database_connections",
			Help:      "Database connection pool statistics",
		},
		[]string{"state"}, // "in_use", "idle", "max_open"
	)
)
