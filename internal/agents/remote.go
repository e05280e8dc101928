package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/edgeswarm/internal/cluster"
)

// Remote is a participant that votes over HTTP. The endpoint receives the
// ConsensusRequest as JSON at POST <url>/vote and answers with an AgentVote.
// The request context carries the vote deadline.
type Remote struct {
	id     string
	spec   string
	url    string
	weight float64
}

// NewRemote creates an HTTP participant.
func NewRemote(id, spec string, weight float64, url string) *Remote {
	return &Remote{id: id, spec: spec, weight: weight, url: strings.TrimRight(url, "/")}
}

func (r *Remote) ID() string             { return r.id }
func (r *Remote) Specialization() string { return r.spec }
func (r *Remote) Weight() float64        { return r.weight }

// Vote posts the request and returns the remote recommendation, bound to
// this participant's id.
func (r *Remote) Vote(ctx context.Context, req cluster.ConsensusRequest) (cluster.AgentVote, error) {
	var v cluster.AgentVote
	if err := cluster.PostJSON(ctx, r.url+"/vote", req, &v); err != nil {
		return cluster.AgentVote{}, fmt.Errorf("remote participant %s: %w", r.id, err)
	}
	v.ParticipantID = r.id
	return v, nil
}
