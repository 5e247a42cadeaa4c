package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks orders placed, by side and outcome.
	OrdersPlacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_orders_placed_total",
			Help: "Total number of orders accepted into the book (by side).",
		},
		[]string{"side"},
	)

	// Tracks trades produced by the matcher.
	TradesMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2p_trades_matched_total",
			Help: "Total number of trades created by the matcher.",
		},
	)

	// Tracks escrow state-machine steps.
	EscrowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_escrow_transitions_total",
			Help: "Total number of successful escrow transitions (by from and to state).",
		},
		[]string{"from", "to"},
	)

	// Tracks lost CAS races; these are retried, not failures.
	CASConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_cas_conflicts_total",
			Help: "Total number of compare-and-swap conflicts (by component).",
		},
		[]string{"component"},
	)

	// Tracks escrows forced out by the expiry supervisor.
	SweepExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_sweep_expired_total",
			Help: "Total number of escrows expired or auto-disputed by the sweeper.",
		},
		[]string{"outcome"}, // expired | auto_disputed
	)

	// Measures matcher latency per taker order.
	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "p2p_match_duration_seconds",
			Help:    "Duration of a single match attempt in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms → ~1.6s
		},
	)

	// Tracks NATS messages published by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages published.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	// Measures NATS publish latency per subject.
	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Latency of NATS publishes in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_errors_total",
			Help: "Count of engine-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Gauges the last successful sweep time (seconds since epoch).
	LastSweepTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2p_last_sweep_timestamp",
			Help: "Timestamp (unix seconds) of the last successful expiry sweep.",
		},
	)
)

// ObserveMatch records the time taken for one match attempt.
func ObserveMatch(start time.Time) {
	MatchDuration.Observe(time.Since(start).Seconds())
}

func IncEscrowTransition(from, to string) {
	EscrowTransitionsTotal.WithLabelValues(from, to).Inc()
}

func IncCASConflict(component string) {
	CASConflictsTotal.WithLabelValues(component).Inc()
}

// ObserveDuration records elapsed time since start on a labeled histogram.
func ObserveDuration(h *prometheus.HistogramVec, start time.Time, label string) {
	h.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastSweep(t time.Time) {
	LastSweepTimestamp.Set(float64(t.Unix()))
}
