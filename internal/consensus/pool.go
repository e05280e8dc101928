package consensus

import (
	"context"
	"fmt"
	"math"

	"github.com/dreamware/edgeswarm/internal/cluster"
)

// WeightEpsilon is the tolerance on the sum of participant weights.
const WeightEpsilon = 1e-6

// Participant is an opaque voter. Implementations may be rule-based,
// remote or model-backed; the engine never inspects the rationale.
//
// Vote must honour ctx: the engine cancels it when the participant's
// timeout or the round deadline fires, and discards any later result.
type Participant interface {
	ID() string
	Specialization() string
	Weight() float64
	Vote(ctx context.Context, req cluster.ConsensusRequest) (cluster.AgentVote, error)
}

// Pool is the fixed set of active participants.
type Pool struct {
	members []Participant
	byID    map[string]Participant
}

// NewPool validates and freezes a participant set.
//
// Each weight must lie in [0, 1], ids must be unique and non-empty, and the
// weights must sum to 1.0 within WeightEpsilon.
func NewPool(participants ...Participant) (*Pool, error) {
	if len(participants) == 0 {
		return nil, &cluster.ValidationError{Field: "participants", Reason: "at least one participant required"}
	}
	p := &Pool{byID: make(map[string]Participant, len(participants))}
	sum := 0.0
	for _, part := range participants {
		id := part.ID()
		if id == "" {
			return nil, &cluster.ValidationError{Field: "participants", Reason: "participant id must not be empty"}
		}
		if _, dup := p.byID[id]; dup {
			return nil, &cluster.ValidationError{Field: "participants", Reason: fmt.Sprintf("duplicate participant %s", id)}
		}
		w := part.Weight()
		if math.IsNaN(w) || w < 0 || w > 1 {
			return nil, &cluster.ValidationError{Field: "participants", Reason: fmt.Sprintf("weight %v of %s outside [0, 1]", w, id)}
		}
		sum += w
		p.byID[id] = part
		p.members = append(p.members, part)
	}
	if math.Abs(sum-1) > WeightEpsilon {
		return nil, &cluster.ValidationError{Field: "participants", Reason: fmt.Sprintf("weights sum to %v, want 1.0", sum)}
	}
	return p, nil
}

// Active returns the participants in registration order.
func (p *Pool) Active() []Participant {
	out := make([]Participant, len(p.members))
	copy(out, p.members)
	return out
}

// Get returns a participant by id.
func (p *Pool) Get(id string) (Participant, bool) {
	part, ok := p.byID[id]
	return part, ok
}

// Len returns the number of active participants.
func (p *Pool) Len() int { return len(p.members) }
