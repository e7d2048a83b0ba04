package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Governor counters and gauges, partitioned by governor id.

var (
	// State machine
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "runs_total",
		Help:      "Total accepted cycles by outcome (executed, halted)",
	}, []string{"governor", "outcome"})

	GuardRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "guard_rejections_total",
		Help:      "Total governor calls aborted by a guard",
	}, []string{"governor", "code"})

	CycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Accepted cycle duration including venue execution",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"governor"})

	CycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "state",
		Help:      "Current cycle state (0=idle, 1=executing, 2=settling, 3=halted)",
	}, []string{"governor"})

	LastTransitionNonce = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "last_transition_nonce",
		Help:      "Last consumed transition nonce",
	}, []string{"governor"})

	EmergencyPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "cycle",
		Name:      "emergency_paused",
		Help:      "1 while the governor is emergency-paused",
	}, []string{"governor"})

	// Policy gate
	PolicyEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "policy",
		Name:      "evaluations_total",
		Help:      "Total autonomous policy evaluations",
	}, []string{"track", "allowed"})

	PolicyBlockersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "policy",
		Name:      "blockers_total",
		Help:      "Total policy blockers raised by code",
	}, []string{"code"})

	// Trigger proofs and confirmation
	TriggerProofEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "proof",
		Name:      "evaluations_total",
		Help:      "Total trigger proof evaluations",
	}, []string{"verifiable"})

	ConfirmationDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "execute_safe",
		Name:      "decisions_total",
		Help:      "Total execute-safe confirmation decisions",
	}, []string{"mode", "allowed"})

	ReceiptPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "watcher",
		Name:      "receipt_polls_total",
		Help:      "Total receipt polls by status (found, pending, error)",
	}, []string{"status"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain JSON-RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a chain RPC call waited on the rate limiter",
	})

	// Evidence
	EvidenceRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "evidence",
		Name:      "records_total",
		Help:      "Total evidence artifacts written by recorder and status",
	}, []string{"recorder", "status"})

	EvidenceLockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "evidence",
		Name:      "lock_contention_total",
		Help:      "Total cycle attempts skipped because another process held the evidence lock",
	}, []string{"governor"})

	// Venue
	VenueCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "venue",
		Name:      "calls_total",
		Help:      "Total venue execute calls by status",
	}, []string{"venue", "status"})

	VenueRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "venue",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a venue call waited on the rate limiter",
	}, []string{"venue"})

	VenueBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "venue",
		Name:      "breaker_state",
		Help:      "Venue circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"venue"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel and type",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "alert_type"})

	// Database pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	}, []string{"governor"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	}, []string{"governor"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	}, []string{"governor"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	}, []string{"governor"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	}, []string{"governor"})

	// Admin API
	AdminRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "admin",
		Name:      "rate_limited_total",
		Help:      "Total admin API requests rejected by the rate limiter",
	}, []string{"endpoint"})
)
