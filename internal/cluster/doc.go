// Package cluster holds the data model shared by every EdgeSwarm component:
// site metrics, circuit state, threshold events, votes and swarm decisions,
// plus the error taxonomy and the JSON-over-HTTP helpers used to talk to
// sites, remote participants and executors.
//
// # Data flow
//
//	SiteMetrics ──► ThresholdEvent ──► ConsensusRequest ──► AgentVote(s)
//	                                                           │
//	                                   SwarmDecision ◄─────────┘
//
// All types are plain values. A SiteMetrics snapshot, a ThresholdEvent and
// a SwarmDecision are never mutated after creation; components that need to
// keep a snapshot take a Clone.
//
// # Errors
//
// The taxonomy is a set of struct types matched with errors.As:
//
//   - ValidationError: bad metrics, bad configuration, stale events
//   - NotFoundError: a site that was never registered
//   - NoQuorumError, NoCandidatesError: round-level failures that the swarm
//     coordinator converts into a degraded-mode signal
//   - TimeoutError: a participant or round deadline
//   - ExecutionError: the executor failed to enact a valid decision
//
// ErrorKind maps an error to a stable kind name so failures can be recorded
// in the decision log and restored on replay.
package cluster
