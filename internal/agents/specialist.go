// Package agents provides the voting participants of a consensus round.
//
// Four rule-based specialists score the candidate sites from the health
// snapshot carried by the request, each from its own angle:
//
//	load           health, utilization headroom, proximity, queue (0.30)
//	resource       worst-case and average headroom against thresholds (0.25)
//	cache          memory headroom and response latency (0.20)
//	orchestration  proximity to the breaching site and stability (0.25)
//
// Remote forwards the request to an HTTP voter, which is how model-backed
// participants join a round.
package agents

import (
	"context"
	"fmt"
	"math"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/threshold"
)

// Specializations of the built-in participants.
const (
	SpecLoad          = "load"
	SpecResource      = "resource"
	SpecCache         = "cache"
	SpecOrchestration = "orchestration"
)

// DefaultWeights are the expertise weights of the built-in specialists.
var DefaultWeights = map[string]float64{
	SpecLoad:          0.30,
	SpecResource:      0.25,
	SpecCache:         0.20,
	SpecOrchestration: 0.25,
}

// scoreFunc rates one candidate in [0, 1] and explains the rating.
type scoreFunc func(req cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) (float64, string)

var scorers = map[string]scoreFunc{
	SpecLoad:          scoreLoad,
	SpecResource:      scoreResource,
	SpecCache:         scoreCache,
	SpecOrchestration: scoreOrchestration,
}

// Specialist is a rule-based participant. It votes for the candidate with
// the best score, with that score as its confidence, and abstains when no
// candidate has reported metrics or the best score is below MinConfidence.
type Specialist struct {
	thresholds    *threshold.Holder
	score         scoreFunc
	id            string
	spec          string
	weight        float64
	minConfidence float64
}

// NewSpecialist creates a rule-based participant. thresholds supplies the
// live limits used to normalize metrics.
func NewSpecialist(id, spec string, weight float64, thresholds *threshold.Holder) (*Specialist, error) {
	score, ok := scorers[spec]
	if !ok {
		return nil, &cluster.ValidationError{Field: "specialization", Reason: fmt.Sprintf("unknown specialization %q", spec)}
	}
	if thresholds == nil {
		thresholds = threshold.NewHolder(threshold.DefaultConfig())
	}
	return &Specialist{id: id, spec: spec, weight: weight, thresholds: thresholds, score: score}, nil
}

// SetMinConfidence makes the specialist abstain below c.
func (s *Specialist) SetMinConfidence(c float64) { s.minConfidence = c }

func (s *Specialist) ID() string             { return s.id }
func (s *Specialist) Specialization() string { return s.spec }
func (s *Specialist) Weight() float64        { return s.weight }

// Vote scores every candidate. Candidates arrive sorted, so equal scores
// resolve to the lowest site id.
func (s *Specialist) Vote(ctx context.Context, req cluster.ConsensusRequest) (cluster.AgentVote, error) {
	if err := ctx.Err(); err != nil {
		return cluster.AgentVote{}, err
	}
	cfg := s.thresholds.Load()

	vote := cluster.AgentVote{ParticipantID: s.id, SiteID: cluster.Abstain}
	best, runnerUp := -1.0, -1.0
	var bestWhy string
	var second cluster.SiteID
	for _, id := range req.Candidates {
		st, ok := req.Site(id)
		if !ok || st.LastMetrics == nil {
			continue
		}
		score, why := s.score(req, st, cfg)
		switch {
		case score > best:
			runnerUp, second = best, vote.SiteID
			best, bestWhy, vote.SiteID = score, why, id
		case score > runnerUp:
			runnerUp, second = score, id
		}
	}

	if vote.SiteID == cluster.Abstain {
		vote.Rationale = "no candidate has reported metrics"
		return vote, nil
	}
	vote.Confidence = clamp(best)
	if vote.Confidence < s.minConfidence {
		vote.Rationale = fmt.Sprintf("best candidate %s scored %.2f, below %.2f", vote.SiteID, best, s.minConfidence)
		vote.SiteID = cluster.Abstain
		vote.Confidence = 0
		return vote, nil
	}
	vote.Rationale = fmt.Sprintf("%s: %s scored %.2f (%s)", s.spec, vote.SiteID, best, bestWhy)
	if second != cluster.Abstain {
		vote.Rationale += fmt.Sprintf(", runner-up %s %.2f", second, runnerUp)
	}
	return vote, nil
}

func scoreLoad(req cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) (float64, string) {
	m := s.LastMetrics
	health := healthFactor(s)
	util := (headroom(m.CPUPercent, cfg.CPUPercent) + headroom(m.GPUPercent, cfg.GPUPercent) + headroom(m.MemoryPercent, cfg.MemoryPercent)) / 3
	prox := proximity(req, s, cfg)
	queue := headroom(float64(m.QueueDepth), cfg.QueueDepth)
	score := 0.4*health + 0.3*util + 0.2*prox + 0.1*queue
	return score, fmt.Sprintf("health %.2f util %.2f proximity %.2f queue %.2f", health, util, prox, queue)
}

func scoreResource(_ cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) (float64, string) {
	m := s.LastMetrics
	rooms := []float64{
		headroom(m.CPUPercent, cfg.CPUPercent),
		headroom(m.GPUPercent, cfg.GPUPercent),
		headroom(m.MemoryPercent, cfg.MemoryPercent),
		headroom(float64(m.QueueDepth), cfg.QueueDepth),
		headroom(m.LatencyMS, cfg.LatencyMS),
	}
	worst, sum := 1.0, 0.0
	for _, r := range rooms {
		worst = math.Min(worst, r)
		sum += r
	}
	mean := sum / float64(len(rooms))
	return (0.5*worst + 0.5*mean) * healthFactor(s), fmt.Sprintf("worst headroom %.2f mean %.2f", worst, mean)
}

func scoreCache(_ cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) (float64, string) {
	m := s.LastMetrics
	mem := headroom(m.MemoryPercent, cfg.MemoryPercent)
	lat := headroom(m.LatencyMS, cfg.LatencyMS)
	return (0.5*mem + 0.5*lat) * healthFactor(s), fmt.Sprintf("memory headroom %.2f latency headroom %.2f", mem, lat)
}

func scoreOrchestration(req cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) (float64, string) {
	prox := proximity(req, s, cfg)
	health := healthFactor(s)
	queue := headroom(float64(s.LastMetrics.QueueDepth), cfg.QueueDepth)
	return 0.5*prox + 0.3*health + 0.2*queue, fmt.Sprintf("proximity %.2f health %.2f", prox, health)
}

// headroom is the unused fraction of a threshold, in [0, 1]. A disabled
// threshold leaves full headroom.
func headroom(v, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	return clamp(1 - v/limit)
}

// healthFactor rates the circuit: CLOSED 1.0, HALF_OPEN 0.5, minus 0.1 per
// recent consecutive failure.
func healthFactor(s cluster.SiteHealthState) float64 {
	f := 1.0
	switch s.Circuit {
	case cluster.CircuitHalfOpen:
		f = 0.5
	case cluster.CircuitOpen:
		return 0
	}
	return clamp(f - 0.1*float64(s.ConsecutiveFailures))
}

// proximity rates the latency between the candidate and the breaching site,
// taken from either side's inter-site measurements. Unknown latency rates 0.5.
func proximity(req cluster.ConsensusRequest, s cluster.SiteHealthState, cfg threshold.Config) float64 {
	source := req.Event.SiteID
	if lat, ok := s.LastMetrics.InterSiteLatencyMS[source]; ok {
		return headroom(lat, cfg.InterSiteLatencyMS)
	}
	if src, ok := req.Site(source); ok && src.LastMetrics != nil {
		if lat, ok := src.LastMetrics.InterSiteLatencyMS[s.SiteID]; ok {
			return headroom(lat, cfg.InterSiteLatencyMS)
		}
	}
	return 0.5
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
