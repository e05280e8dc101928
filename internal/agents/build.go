package agents

import (
	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/consensus"
	"github.com/dreamware/edgeswarm/internal/threshold"
)

// Definition describes one participant in configuration. A participant with
// a URL is remote; otherwise Specialization selects a built-in specialist.
type Definition struct {
	ID             string  `yaml:"id" json:"id"`
	Specialization string  `yaml:"specialization" json:"specialization"`
	URL            string  `yaml:"url,omitempty" json:"url,omitempty"`
	Weight         float64 `yaml:"weight" json:"weight"`
	MinConfidence  float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

// DefaultDefinitions returns the four built-in specialists with their
// default weights.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "load-balancer", Specialization: SpecLoad, Weight: DefaultWeights[SpecLoad]},
		{ID: "resource-monitor", Specialization: SpecResource, Weight: DefaultWeights[SpecResource]},
		{ID: "cache-manager", Specialization: SpecCache, Weight: DefaultWeights[SpecCache]},
		{ID: "orchestrator", Specialization: SpecOrchestration, Weight: DefaultWeights[SpecOrchestration]},
	}
}

// Build instantiates participants from definitions. Pool-level checks such
// as unique ids and the weight sum are left to consensus.NewPool.
func Build(defs []Definition, thresholds *threshold.Holder) ([]consensus.Participant, error) {
	out := make([]consensus.Participant, 0, len(defs))
	for _, d := range defs {
		if d.URL != "" {
			if d.Specialization == "" {
				return nil, &cluster.ValidationError{Field: "participants", Reason: "remote participant " + d.ID + " needs a specialization"}
			}
			out = append(out, NewRemote(d.ID, d.Specialization, d.Weight, d.URL))
			continue
		}
		s, err := NewSpecialist(d.ID, d.Specialization, d.Weight, thresholds)
		if err != nil {
			return nil, err
		}
		s.SetMinConfidence(d.MinConfidence)
		out = append(out, s)
	}
	return out, nil
}
