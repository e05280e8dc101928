// Package metrics registers the Prometheus collectors for the swarm engine.
// Collectors are registered with the default registry on import; the
// coordinator exposes them through promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreachesTotal counts threshold events by site and severity.
	BreachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeswarm_threshold_breaches_total",
			Help: "Threshold breach events emitted by the monitor.",
		},
		[]string{"site", "severity"},
	)

	// CircuitTransitions counts circuit breaker state changes.
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeswarm_circuit_transitions_total",
			Help: "Per-site circuit breaker transitions.",
		},
		[]string{"site", "from", "to"},
	)

	// RoundsTotal counts consensus rounds by outcome.
	//
	// Observed outcome values:
	//   decided        quorum met, weighted vote
	//   fallback       below quorum, highest-weight vote used
	//   no_quorum      no usable vote
	//   no_candidates  every other site OPEN
	//   aborted        caller context ended mid-round, nothing decided
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeswarm_consensus_rounds_total",
			Help: "Consensus rounds by outcome.",
		},
		[]string{"outcome"},
	)

	// RoundDuration tracks wall-clock round time. Buckets span 1ms to ~8s to
	// cover both local rule-based participants and remote model-backed ones.
	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgeswarm_consensus_round_duration_seconds",
			Help:    "Duration of consensus rounds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// VotesTotal counts participant responses by result (vote, abstain,
	// timeout, error).
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeswarm_participant_votes_total",
			Help: "Participant responses by result.",
		},
		[]string{"participant", "result"},
	)

	// DegradedTotal counts degraded-mode signals by reason.
	DegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeswarm_degraded_signals_total",
			Help: "Degraded-mode signals emitted after failed rounds.",
		},
		[]string{"site", "reason"},
	)

	// ExecutionFailures counts executor errors.
	ExecutionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgeswarm_execution_failures_total",
			Help: "Decisions the executor failed to apply.",
		},
	)
)
