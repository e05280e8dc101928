// Package consensus runs bounded weighted-voting rounds that choose the site
// absorbing workload from a breaching MEC site.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
	"github.com/dreamware/edgeswarm/internal/metrics"
)

// scoreEpsilon is the tolerance under which two accumulated scores tie.
const scoreEpsilon = 1e-9

// SpecializationLoad is the specialization that wins score ties by default.
const SpecializationLoad = "load"

// Config bounds a round.
type Config struct {
	// TieBreakPriority lists specializations whose recommendation wins a
	// score tie, highest priority first.
	TieBreakPriority []string      `yaml:"tie_break_priority"`
	VoteTimeout      time.Duration `yaml:"vote_timeout"`
	RoundTimeout     time.Duration `yaml:"round_timeout"`
	QuorumMin        int           `yaml:"quorum_min"`
	QuorumFraction   float64       `yaml:"quorum_fraction"`
}

// DefaultConfig returns the demo profile: 2s per vote, 5s per round.
func DefaultConfig() Config {
	return Config{
		VoteTimeout:      2 * time.Second,
		RoundTimeout:     5 * time.Second,
		QuorumMin:        3,
		QuorumFraction:   0.6,
		TieBreakPriority: []string{SpecializationLoad},
	}
}

// ProductionLocalConfig returns the local production profile: 10ms per vote,
// 50ms per round.
func ProductionLocalConfig() Config {
	cfg := DefaultConfig()
	cfg.VoteTimeout = 10 * time.Millisecond
	cfg.RoundTimeout = 50 * time.Millisecond
	return cfg
}

// Validate rejects unusable round bounds.
func (c Config) Validate() error {
	if c.VoteTimeout <= 0 {
		return &cluster.ValidationError{Field: "vote_timeout", Reason: "must be positive"}
	}
	if c.RoundTimeout <= 0 {
		return &cluster.ValidationError{Field: "round_timeout", Reason: "must be positive"}
	}
	if c.QuorumMin < 0 {
		return &cluster.ValidationError{Field: "quorum_min", Reason: "must not be negative"}
	}
	if c.QuorumFraction < 0 || c.QuorumFraction > 1 {
		return &cluster.ValidationError{Field: "quorum_fraction", Reason: "must be in [0, 1]"}
	}
	return nil
}

// Required returns the quorum for a pool of the given size: QuorumMin or
// QuorumFraction of the pool, whichever is smaller, and at least one.
func (c Config) Required(active int) int {
	req := active
	if c.QuorumMin > 0 && c.QuorumMin < req {
		req = c.QuorumMin
	}
	if c.QuorumFraction > 0 {
		// Guard against 0.6*5 rounding up to 4.
		f := int(math.Ceil(c.QuorumFraction*float64(active) - scoreEpsilon))
		if f < req {
			req = f
		}
	}
	if req < 1 {
		req = 1
	}
	return req
}

// SiteSource provides the current health snapshot of every known site.
type SiteSource interface {
	Snapshot() []cluster.SiteHealthState
}

// Round is the record of one voting round. Request is always set; Decision
// is set only on success.
type Round struct {
	Request  cluster.ConsensusRequest
	Decision *cluster.SwarmDecision
	// Excluded maps participants that timed out or failed to the reason.
	Excluded map[string]string
	Votes    []cluster.AgentVote
	Required int
	Active   int
}

// Engine runs consensus rounds over a participant pool.
type Engine struct {
	pool  *Pool
	sites SiteSource
	now   func() time.Time
	newID func() string
	log   *logx.Logger
	cfg   Config
}

// NewEngine wires an engine to its participants and site source.
func NewEngine(pool *Pool, sites SiteSource, cfg Config) (*Engine, error) {
	if pool == nil || sites == nil {
		return nil, errors.New("consensus engine requires a pool and a site source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		pool:  pool,
		sites: sites,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
		log:   logx.New("consensus"),
	}, nil
}

// Config returns the engine's round bounds.
func (e *Engine) Config() Config { return e.cfg }

// BuildRequest snapshots site health for an event. Candidates are every
// non-OPEN site except the breaching one, sorted by id.
func (e *Engine) BuildRequest(event cluster.ThresholdEvent) cluster.ConsensusRequest {
	sites := e.sites.Snapshot()
	req := cluster.ConsensusRequest{Event: event, Sites: sites}
	for _, s := range sites {
		if s.Circuit == cluster.CircuitOpen || s.SiteID == event.SiteID {
			continue
		}
		req.Candidates = append(req.Candidates, s.SiteID)
	}
	slices.Sort(req.Candidates)
	return req
}

// Run executes one round for event.
//
// Algorithm:
//  1. Candidates = non-OPEN sites minus the breaching site
//  2. Fan out to every participant concurrently, each bounded by VoteTimeout
//  3. Collect until every participant answered or RoundTimeout fired;
//     late answers are discarded
//  4. Reduce the votes (see Reduce)
//
// Returns the round record and, on failure, *cluster.NoCandidatesError or
// *cluster.NoQuorumError. The round record is returned in both cases so the
// caller can log the full request context. When ctx ends during the round,
// the votes are discarded and ctx.Err() is returned instead.
func (e *Engine) Run(ctx context.Context, event cluster.ThresholdEvent) (*Round, error) {
	start := e.now()
	req := e.BuildRequest(event)
	round := &Round{
		Request:  req,
		Excluded: make(map[string]string),
		Active:   e.pool.Len(),
		Required: e.cfg.Required(e.pool.Len()),
	}

	if len(req.Candidates) == 0 {
		metrics.RoundsTotal.WithLabelValues("no_candidates").Inc()
		return round, &cluster.NoCandidatesError{EventID: event.EventID(), SiteID: event.SiteID}
	}

	round.Votes = e.collect(ctx, req, round.Excluded)

	elapsed := e.now().Sub(start)
	metrics.RoundDuration.Observe(elapsed.Seconds())
	if err := ctx.Err(); err != nil {
		metrics.RoundsTotal.WithLabelValues("aborted").Inc()
		e.log.Warnf("round for %s aborted after %v: %v", event.EventID(), elapsed, err)
		return round, err
	}

	decision, err := e.reduce(req, round.Votes, round.Required)
	if err != nil {
		metrics.RoundsTotal.WithLabelValues("no_quorum").Inc()
		e.log.Warnf("round for %s failed after %v: %v", event.EventID(), elapsed, err)
		return round, err
	}

	decision.Duration = elapsed
	round.Decision = decision
	outcome := "decided"
	if !decision.QuorumMet {
		outcome = "fallback"
	}
	metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	e.log.Infof("round for %s selected %s (confidence %.3f, %d/%d votes, %s) in %v",
		event.EventID(), decision.SelectedSite, decision.Confidence, len(round.Votes), round.Active, outcome, elapsed)
	return round, nil
}

type response struct {
	err  error
	vote cluster.AgentVote
	id   string
}

// collect fans the request out and gathers responses until all participants
// answered or the round deadline fired. Each participant runs under its own
// timeout; one participant's timeout never cancels another's call.
func (e *Engine) collect(ctx context.Context, req cluster.ConsensusRequest, excluded map[string]string) []cluster.AgentVote {
	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
	defer cancel()

	participants := e.pool.Active()
	// Buffered so abandoned goroutines can always deliver and exit.
	results := make(chan response, len(participants))

	for _, p := range participants {
		go func(p Participant) {
			voteCtx, voteCancel := context.WithTimeout(roundCtx, e.cfg.VoteTimeout)
			defer voteCancel()

			done := make(chan response, 1)
			go func() {
				v, err := p.Vote(voteCtx, req)
				done <- response{id: p.ID(), vote: v, err: err}
			}()

			var r response
			select {
			case r = <-done:
			case <-voteCtx.Done():
				r = response{id: p.ID(), err: &cluster.TimeoutError{Participant: p.ID(), Timeout: e.cfg.VoteTimeout}}
			}
			if roundCtx.Err() != nil && ctxEnded(r.err) {
				r.err = fmt.Errorf("participant %s: %w", p.ID(), roundEnd(ctx, e.cfg.RoundTimeout))
			}
			results <- r
		}(p)
	}

	var votes []cluster.AgentVote
	pending := make(map[string]bool, len(participants))
	for _, p := range participants {
		pending[p.ID()] = true
	}

collect:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.id)
			if r.err != nil {
				excluded[r.id] = r.err.Error()
				result := "error"
				if ctxEnded(r.err) {
					result = "timeout"
				}
				metrics.VotesTotal.WithLabelValues(r.id, result).Inc()
				e.log.Debugf("participant %s excluded from %s: %v", r.id, req.Event.EventID(), r.err)
				continue
			}
			v := sanitize(r.id, r.vote, req.Candidates)
			result := "vote"
			if v.Abstained() {
				result = "abstain"
			}
			metrics.VotesTotal.WithLabelValues(r.id, result).Inc()
			votes = append(votes, v)
		case <-roundCtx.Done():
			break collect
		}
	}

	if len(pending) > 0 {
		reason := roundEnd(ctx, e.cfg.RoundTimeout).Error()
		for id := range pending {
			excluded[id] = reason
			metrics.VotesTotal.WithLabelValues(id, "timeout").Inc()
		}
	}
	return votes
}

// ctxEnded reports whether err is a timeout or cancellation.
func ctxEnded(err error) bool {
	return cluster.ErrorKind(err) == cluster.KindTimeout ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// roundEnd names what ended a round early: the caller's context or the
// round deadline.
func roundEnd(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("round abandoned: %w", err)
	}
	return &cluster.TimeoutError{Timeout: timeout}
}

// sanitize binds the vote to its participant and turns a vote for a
// non-candidate or with an invalid confidence into an abstention.
func sanitize(id string, v cluster.AgentVote, candidates []cluster.SiteID) cluster.AgentVote {
	v.ParticipantID = id
	if v.Abstained() {
		return v
	}
	if math.IsNaN(v.Confidence) || v.Confidence < 0 || v.Confidence > 1 || !slices.Contains(candidates, v.SiteID) {
		v.SiteID = cluster.Abstain
	}
	return v
}

// Reduce turns a vote set into a decision without running a round. It is
// deterministic: the same request and votes always select the same site.
func (e *Engine) Reduce(req cluster.ConsensusRequest, votes []cluster.AgentVote) (*cluster.SwarmDecision, error) {
	if len(req.Candidates) == 0 {
		return nil, &cluster.NoCandidatesError{EventID: req.Event.EventID(), SiteID: req.Event.SiteID}
	}
	clean := make([]cluster.AgentVote, 0, len(votes))
	for _, v := range votes {
		if _, ok := e.pool.Get(v.ParticipantID); !ok {
			continue
		}
		clean = append(clean, sanitize(v.ParticipantID, v, req.Candidates))
	}
	return e.reduce(req, clean, e.cfg.Required(e.pool.Len()))
}

// reduce applies quorum, weight renormalization, scoring and tie-breaks.
func (e *Engine) reduce(req cluster.ConsensusRequest, votes []cluster.AgentVote, required int) (*cluster.SwarmDecision, error) {
	// Arrival order must not influence the floating-point sums.
	votes = append([]cluster.AgentVote(nil), votes...)
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].ParticipantID < votes[j].ParticipantID })

	var scoring []cluster.AgentVote
	for _, v := range votes {
		if !v.Abstained() {
			scoring = append(scoring, v)
		}
	}
	noQuorum := &cluster.NoQuorumError{
		EventID:  req.Event.EventID(),
		Received: len(votes),
		Required: required,
		Active:   e.pool.Len(),
	}
	if len(scoring) == 0 {
		return nil, noQuorum
	}

	quorumMet := len(votes) >= required
	if !quorumMet {
		scoring = []cluster.AgentVote{e.heaviest(scoring)}
		e.log.Warnf("event %s below quorum (%d/%d), using %s's vote", req.Event.EventID(), len(votes), required, scoring[0].ParticipantID)
	}

	weights := e.renormalize(scoring)
	scores := make(map[cluster.SiteID]float64, len(req.Candidates))
	for _, c := range req.Candidates {
		scores[c] = 0
	}
	voted := make(map[cluster.SiteID]bool)
	for _, v := range scoring {
		scores[v.SiteID] += weights[v.ParticipantID] * v.Confidence
		voted[v.SiteID] = true
	}

	winner := e.pickWinner(scores, voted, scoring)
	confidence := math.Min(scores[winner], 1)

	fallbacks := make([]cluster.SiteID, 0, len(req.Candidates)-1)
	for _, c := range req.Candidates {
		if c != winner {
			fallbacks = append(fallbacks, c)
		}
	}
	sort.SliceStable(fallbacks, func(i, j int) bool {
		si, sj := scores[fallbacks[i]], scores[fallbacks[j]]
		if math.Abs(si-sj) > scoreEpsilon {
			return si > sj
		}
		return fallbacks[i] < fallbacks[j]
	})

	voters := make([]string, 0, len(votes))
	for _, v := range votes {
		voters = append(voters, v.ParticipantID)
	}
	sort.Strings(voters)

	return &cluster.SwarmDecision{
		ID:           e.newID(),
		EventID:      req.Event.EventID(),
		SourceSite:   req.Event.SiteID,
		SelectedSite: winner,
		Confidence:   confidence,
		Fallbacks:    fallbacks,
		Voters:       voters,
		Votes:        votes,
		Scores:       scores,
		QuorumMet:    quorumMet,
		Timestamp:    e.now(),
	}, nil
}

// renormalize scales the fixed weights of the scoring participants to sum to
// 1.0. If they all weigh zero, each gets an equal share.
func (e *Engine) renormalize(scoring []cluster.AgentVote) map[string]float64 {
	weights := make(map[string]float64, len(scoring))
	total := 0.0
	for _, v := range scoring {
		p, _ := e.pool.Get(v.ParticipantID)
		weights[v.ParticipantID] = p.Weight()
		total += p.Weight()
	}
	for id, w := range weights {
		if total == 0 {
			weights[id] = 1 / float64(len(weights))
			continue
		}
		weights[id] = w / total
	}
	return weights
}

// heaviest returns the vote of the participant with the highest fixed
// weight, breaking ties by specialization priority and then by id.
func (e *Engine) heaviest(votes []cluster.AgentVote) cluster.AgentVote {
	best := votes[0]
	for _, v := range votes[1:] {
		if e.heavier(v.ParticipantID, best.ParticipantID) {
			best = v
		}
	}
	return best
}

func (e *Engine) heavier(a, b string) bool {
	pa, _ := e.pool.Get(a)
	pb, _ := e.pool.Get(b)
	if math.Abs(pa.Weight()-pb.Weight()) > scoreEpsilon {
		return pa.Weight() > pb.Weight()
	}
	ra, rb := e.priorityRank(pa.Specialization()), e.priorityRank(pb.Specialization())
	if ra != rb {
		return ra < rb
	}
	return a < b
}

// priorityRank returns the index of spec in TieBreakPriority, or
// len(TieBreakPriority) when it has no priority.
func (e *Engine) priorityRank(spec string) int {
	if i := slices.Index(e.cfg.TieBreakPriority, spec); i >= 0 {
		return i
	}
	return len(e.cfg.TieBreakPriority)
}

// pickWinner returns the voted site with the highest score. Ties go to the
// site recommended by the highest-priority specialization, then to the
// lowest site id.
func (e *Engine) pickWinner(scores map[cluster.SiteID]float64, voted map[cluster.SiteID]bool, scoring []cluster.AgentVote) cluster.SiteID {
	best := math.Inf(-1)
	for site := range voted {
		best = math.Max(best, scores[site])
	}
	var tied []cluster.SiteID
	for site := range voted {
		if best-scores[site] <= scoreEpsilon {
			tied = append(tied, site)
		}
	}
	slices.Sort(tied)
	if len(tied) == 1 {
		return tied[0]
	}

	for _, spec := range e.cfg.TieBreakPriority {
		var preferred []cluster.SiteID
		for _, v := range scoring {
			p, _ := e.pool.Get(v.ParticipantID)
			if p.Specialization() == spec && slices.Contains(tied, v.SiteID) && !slices.Contains(preferred, v.SiteID) {
				preferred = append(preferred, v.SiteID)
			}
		}
		if len(preferred) > 0 {
			tied = preferred
			slices.Sort(tied)
		}
		if len(tied) == 1 {
			break
		}
	}
	return tied[0]
}

// String summarizes a round for logs.
func (r *Round) String() string {
	states := make([]string, 0, len(r.Request.Sites))
	for _, s := range r.Request.Sites {
		states = append(states, fmt.Sprintf("%s=%s", s.SiteID, s.Circuit))
	}
	return fmt.Sprintf("event=%s severity=%s metrics=%v candidates=%v sites=%v votes=%d/%d required=%d excluded=%v",
		r.Request.Event.EventID(), r.Request.Event.Severity, r.Request.Event.Metrics,
		r.Request.Candidates, states, len(r.Votes), r.Active, r.Required, r.Excluded)
}
