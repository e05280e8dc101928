package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/consensus"
	"github.com/dreamware/edgeswarm/internal/decisionlog"
	"github.com/dreamware/edgeswarm/internal/site"
	"github.com/dreamware/edgeswarm/internal/threshold"
)

// firstCandidate votes for the lowest-id candidate after delay and tracks
// how many rounds per breaching site run at once.
type firstCandidate struct {
	inFlight map[cluster.SiteID]*atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	id       string
	spec     string
	weight   float64
	delay    time.Duration
	mu       sync.Mutex
}

func (p *firstCandidate) ID() string             { return p.id }
func (p *firstCandidate) Specialization() string { return p.spec }
func (p *firstCandidate) Weight() float64        { return p.weight }

func (p *firstCandidate) Vote(ctx context.Context, req cluster.ConsensusRequest) (cluster.AgentVote, error) {
	p.calls.Add(1)
	p.mu.Lock()
	if p.inFlight == nil {
		p.inFlight = make(map[cluster.SiteID]*atomic.Int32)
	}
	c, ok := p.inFlight[req.Event.SiteID]
	if !ok {
		c = &atomic.Int32{}
		p.inFlight[req.Event.SiteID] = c
	}
	p.mu.Unlock()

	n := c.Add(1)
	defer c.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return cluster.AgentVote{}, ctx.Err()
	}
	return cluster.AgentVote{SiteID: req.Candidates[0], Confidence: 0.8}, nil
}

type harness struct {
	registry *site.Registry
	dlog     decisionlog.Log
	coord    *Coordinator
	voters   []*firstCandidate
	applied  atomic.Int32
}

func newHarness(t *testing.T, delay time.Duration, sites ...cluster.SiteID) *harness {
	t.Helper()
	return newHarnessOn(t, decisionlog.NewMemoryLog(), delay, sites...)
}

func newHarnessOn(t *testing.T, dlog decisionlog.Log, delay time.Duration, sites ...cluster.SiteID) *harness {
	t.Helper()
	h := &harness{registry: site.NewRegistry(), dlog: dlog}
	for _, s := range sites {
		h.registry.Register(s)
	}

	var ps []consensus.Participant
	for i, spec := range []string{"load", "resource", "cache"} {
		v := &firstCandidate{id: "p" + string(rune('1'+i)), spec: spec, weight: []float64{0.4, 0.3, 0.3}[i], delay: delay}
		h.voters = append(h.voters, v)
		ps = append(ps, v)
	}
	pool, err := consensus.NewPool(ps...)
	require.NoError(t, err)

	cfg := consensus.DefaultConfig()
	cfg.VoteTimeout = time.Second
	cfg.RoundTimeout = 2 * time.Second
	engine, err := consensus.NewEngine(pool, h.registry, cfg)
	require.NoError(t, err)

	exec := ExecutorFunc(func(ctx context.Context, d cluster.SwarmDecision) error {
		h.applied.Add(1)
		return nil
	})
	h.coord = NewCoordinator(engine, threshold.NewMonitor(), nil, h.dlog, exec)
	h.registry.SetOnTransition(h.coord.OnTransition)
	return h
}

func breachAt(site cluster.SiteID, seq uint64) cluster.ThresholdEvent {
	return cluster.ThresholdEvent{
		SiteID:    site,
		Sequence:  seq,
		Severity:  cluster.SeveritySingle,
		Metrics:   []string{cluster.MetricLatency},
		Timestamp: time.Now(),
	}
}

func entries(t *testing.T, l decisionlog.Log, f decisionlog.Filter) []decisionlog.Entry {
	t.Helper()
	out, err := l.Query(context.Background(), f)
	require.NoError(t, err)
	return out
}

func TestHandleBreachDecides(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B", "MEC_C")

	d, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	require.NoError(t, err)
	assert.Equal(t, cluster.SiteID("MEC_B"), d.SelectedSite)
	assert.Equal(t, []cluster.SiteID{"MEC_C"}, d.Fallbacks)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	assert.Equal(t, int32(1), h.applied.Load())

	log := entries(t, h.dlog, decisionlog.Filter{EventID: "MEC_A#1"})
	require.Len(t, log, 2)
	assert.Equal(t, decisionlog.KindDecision, log[0].Kind)
	assert.Equal(t, decisionlog.KindBreach, log[1].Kind)
}

func TestHandleBreachIdempotent(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B", "MEC_C")
	ev := breachAt("MEC_A", 1)

	first, err := h.coord.HandleBreach(context.Background(), ev)
	require.NoError(t, err)
	second, err := h.coord.HandleBreach(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), h.voters[0].calls.Load(), "replay must not start a round")
	assert.Equal(t, int32(1), h.applied.Load(), "replay must not re-execute")
	assert.Len(t, entries(t, h.dlog, decisionlog.Filter{Kind: decisionlog.KindDecision}), 1)
}

func TestConcurrentReplayYieldsOneDecision(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, "MEC_A", "MEC_B", "MEC_C")
	ev := breachAt("MEC_A", 7)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.coord.HandleBreach(context.Background(), ev)
			if assert.NoError(t, err) {
				mu.Lock()
				ids[d.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Len(t, entries(t, h.dlog, decisionlog.Filter{Kind: decisionlog.KindDecision}), 1)
}

func TestNoCandidatesDegrades(t *testing.T) {
	h := newHarness(t, 0, "MEC_A")
	var signals []DegradedSignal
	h.coord.SetOnDegraded(func(s DegradedSignal) { signals = append(signals, s) })

	d, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	assert.Nil(t, d)
	var nce *cluster.NoCandidatesError
	require.True(t, errors.As(err, &nce))

	require.Len(t, signals, 1)
	assert.Equal(t, cluster.SiteID("MEC_A"), signals[0].SiteID)
	assert.Equal(t, cluster.KindNoCandidates, signals[0].Reason)
	require.Len(t, h.coord.Degraded(), 1)

	failures := entries(t, h.dlog, decisionlog.Filter{Kind: decisionlog.KindFailure})
	require.Len(t, failures, 1)
	assert.Equal(t, cluster.KindNoCandidates, failures[0].ErrorKind)
	require.NotNil(t, failures[0].Request)

	// Replay returns the same kind without a new round or signal
	_, err = h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	assert.True(t, errors.As(err, &nce))
	assert.Len(t, signals, 1)
	assert.Equal(t, int32(0), h.voters[0].calls.Load())
}

func TestNoQuorumReplayKeepsCounts(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B")
	dead := ExecutorFunc(func(context.Context, cluster.SwarmDecision) error { return nil })
	pool, err := consensus.NewPool(&firstCandidate{id: "slow", spec: "load", weight: 1, delay: time.Second})
	require.NoError(t, err)
	cfg := consensus.DefaultConfig()
	cfg.VoteTimeout = 10 * time.Millisecond
	cfg.RoundTimeout = 50 * time.Millisecond
	engine, err := consensus.NewEngine(pool, h.registry, cfg)
	require.NoError(t, err)
	coord := NewCoordinator(engine, nil, nil, h.dlog, dead)

	_, err = coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	var first *cluster.NoQuorumError
	require.True(t, errors.As(err, &first))

	_, err = coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	var replay *cluster.NoQuorumError
	require.True(t, errors.As(err, &replay))
	assert.Equal(t, first.Error(), replay.Error())
}

func TestDegradedSignalRateLimited(t *testing.T) {
	h := newHarness(t, 0, "MEC_A")
	var count atomic.Int32
	h.coord.SetOnDegraded(func(DegradedSignal) { count.Add(1) })

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", seq))
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), count.Load())

	deg := h.coord.Degraded()
	require.Len(t, deg, 1)
	assert.Equal(t, "MEC_A#3", deg[0].EventID, "device-only window tracks the latest failure")
}

func TestDecisionClearsDegraded(t *testing.T) {
	h := newHarness(t, 0, "MEC_A")
	_, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	require.Error(t, err)
	require.Len(t, h.coord.Degraded(), 1)

	h.registry.Register("MEC_B")
	_, err = h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 2))
	require.NoError(t, err)
	assert.Empty(t, h.coord.Degraded())
}

func TestExecutorFailureKeepsDecision(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B")
	h.coord.exec = ExecutorFunc(func(context.Context, cluster.SwarmDecision) error {
		return errors.New("routing service unavailable")
	})

	d, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	require.NoError(t, err)
	require.NotNil(t, d)

	execErrs := entries(t, h.dlog, decisionlog.Filter{Kind: decisionlog.KindExecutionError})
	require.Len(t, execErrs, 1)
	assert.Equal(t, cluster.KindExecution, execErrs[0].ErrorKind)
	assert.Contains(t, execErrs[0].Error, "routing service unavailable")
	assert.Equal(t, d.ID, execErrs[0].Decision.ID)

	// The committed decision is still what a replay returns
	again, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
}

func TestStaleAndInvalidEvents(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B")
	_, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", 5))
	require.NoError(t, err)

	tests := []struct {
		name  string
		event cluster.ThresholdEvent
		field string
	}{
		{name: "stale", event: breachAt("MEC_A", 4), field: "sequence"},
		{name: "zero sequence", event: breachAt("MEC_A", 0), field: "sequence"},
		{name: "no site", event: breachAt("", 1), field: "site_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.HandleBreach(context.Background(), tt.event)
			var ve *cluster.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSameSiteSerialized(t *testing.T) {
	h := newHarness(t, 15*time.Millisecond, "MEC_A", "MEC_B", "MEC_C")

	var (
		wg       sync.WaitGroup
		decided  atomic.Int32
		rejected atomic.Int32
	)
	for seq := uint64(1); seq <= 5; seq++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_, err := h.coord.HandleBreach(context.Background(), breachAt("MEC_A", seq))
			var ve *cluster.ValidationError
			switch {
			case err == nil:
				decided.Add(1)
			case errors.As(err, &ve):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(seq)
	}
	wg.Wait()

	assert.Equal(t, int32(5), decided.Load()+rejected.Load())
	assert.GreaterOrEqual(t, decided.Load(), int32(1))
	for _, v := range h.voters {
		assert.Equal(t, int32(1), v.maxSeen.Load(), "rounds for one site must not overlap")
	}
}

// gatedRunner decides for the lowest-id other site. Sequence 1 waits for
// gate; every run records its sequence in order.
type gatedRunner struct {
	started chan struct{}
	gate    chan struct{}
	order   []uint64
	mu      sync.Mutex
}

func (g *gatedRunner) Run(ctx context.Context, ev cluster.ThresholdEvent) (*consensus.Round, error) {
	if ev.Sequence == 1 {
		close(g.started)
		<-g.gate
	}
	g.mu.Lock()
	g.order = append(g.order, ev.Sequence)
	g.mu.Unlock()
	return &consensus.Round{Decision: &cluster.SwarmDecision{
		ID:           fmt.Sprintf("d-%d", ev.Sequence),
		EventID:      ev.EventID(),
		SourceSite:   ev.SiteID,
		SelectedSite: "MEC_B",
	}}, nil
}

// queued counts the events waiting on a site's lane.
func queued(c *Coordinator, siteID cluster.SiteID) int {
	l := c.lane(siteID)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, count := range l.waiting {
		n += count
	}
	return n
}

// TestWaitingEventsAdmittedInSequenceOrder verifies events queued behind a
// running round are handled lowest sequence first, whatever their arrival
// order, so none is rejected as stale.
func TestWaitingEventsAdmittedInSequenceOrder(t *testing.T) {
	g := &gatedRunner{started: make(chan struct{}), gate: make(chan struct{})}
	coord := NewCoordinator(g, nil, nil, decisionlog.NewMemoryLog(), nil)

	var wg sync.WaitGroup
	handle := func(seq uint64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.HandleBreach(context.Background(), breachAt("MEC_A", seq))
			assert.NoError(t, err, "sequence %d", seq)
		}()
	}

	handle(1)
	<-g.started
	handle(3)
	require.Eventually(t, func() bool { return queued(coord, "MEC_A") == 1 }, time.Second, time.Millisecond)
	handle(2)
	require.Eventually(t, func() bool { return queued(coord, "MEC_A") == 2 }, time.Second, time.Millisecond)

	close(g.gate)
	wg.Wait()
	assert.Equal(t, []uint64{1, 2, 3}, g.order)
}

// TestRestartResumesFromLog runs two coordinators in turn on one SQLite
// log. The second must number new breaches after the first's and run a
// fresh round for them.
func TestRestartResumesFromLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisions.db")
	sample := cluster.SiteMetrics{SiteID: "MEC_A", LatencyMS: 140, CPUPercent: 40}

	first, err := decisionlog.OpenSQLite(path)
	require.NoError(t, err)
	h1 := newHarnessOn(t, first, 0, "MEC_A", "MEC_B", "MEC_C")
	ev1, d1, err := h1.coord.Observe(ctx, sample)
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, "MEC_A#1", ev1.EventID())
	assert.Equal(t, cluster.SiteID("MEC_B"), d1.SelectedSite)
	require.NoError(t, first.Close())

	second, err := decisionlog.OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()
	h2 := newHarnessOn(t, second, 0, "MEC_A", "MEC_B", "MEC_C")
	for i := 0; i < 3; i++ {
		h2.registry.RecordHealthCheck("MEC_B", false, cluster.SiteMetrics{})
	}
	st, err := h2.registry.GetState("MEC_B")
	require.NoError(t, err)
	require.Equal(t, cluster.CircuitOpen, st.Circuit)

	ev2, d2, err := h2.coord.Observe(ctx, sample)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "MEC_A#2", ev2.EventID())
	assert.NotEqual(t, d1.ID, d2.ID)
	assert.Equal(t, cluster.SiteID("MEC_C"), d2.SelectedSite, "OPEN site must not be selected")
	assert.Equal(t, int32(1), h2.voters[0].calls.Load())
	assert.Equal(t, int32(1), h2.applied.Load())

	// The first run's event still replays its recorded decision
	again, err := h2.coord.HandleBreach(ctx, *ev1)
	require.NoError(t, err)
	assert.Equal(t, d1.ID, again.ID)
	assert.Equal(t, int32(1), h2.voters[0].calls.Load())
}

// TestUnsettledEventResumable verifies an event whose round never finished
// before a restart can still be handled by the next process.
func TestUnsettledEventResumable(t *testing.T) {
	ctx := context.Background()
	dlog := decisionlog.NewMemoryLog()
	ev := breachAt("MEC_A", 4)
	_, err := dlog.Append(ctx, decisionlog.Entry{Kind: decisionlog.KindDecision, Event: ptr(breachAt("MEC_A", 3)), Decision: &cluster.SwarmDecision{ID: "d-3"}})
	require.NoError(t, err)
	_, err = dlog.Append(ctx, decisionlog.Entry{Kind: decisionlog.KindBreach, Event: &ev})
	require.NoError(t, err)

	h := newHarnessOn(t, dlog, 0, "MEC_A", "MEC_B")

	_, err = h.coord.HandleBreach(ctx, breachAt("MEC_A", 3))
	require.NoError(t, err, "settled event replays")
	d, err := h.coord.HandleBreach(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "MEC_A#4", d.EventID)
	assert.Len(t, entries(t, dlog, decisionlog.Filter{EventID: "MEC_A#4", Kind: decisionlog.KindBreach}), 1)

	_, err = h.coord.HandleBreach(ctx, breachAt("MEC_A", 2))
	var ve *cluster.ValidationError
	assert.True(t, errors.As(err, &ve), "below the settled sequence is stale")
}

func ptr[T any](v T) *T { return &v }

// TestCallerDeadlineLeavesEventRetryable verifies a round abandoned by its
// caller records nothing and the same event can be handled again.
func TestCallerDeadlineLeavesEventRetryable(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, "MEC_A", "MEC_B", "MEC_C")
	sample := cluster.SiteMetrics{SiteID: "MEC_A", LatencyMS: 140, CPUPercent: 40}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	ev, d, err := h.coord.Observe(ctx, sample)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, ev)
	assert.Nil(t, d)
	assert.Empty(t, entries(t, h.dlog, decisionlog.Filter{Kind: decisionlog.KindFailure}))
	assert.Empty(t, h.coord.Degraded())

	d, err = h.coord.HandleBreach(context.Background(), *ev)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), d.EventID)
	assert.Equal(t, cluster.SiteID("MEC_B"), d.SelectedSite)
	assert.Equal(t, int32(1), h.applied.Load())

	log := entries(t, h.dlog, decisionlog.Filter{EventID: ev.EventID()})
	require.Len(t, log, 2)
	assert.Equal(t, decisionlog.KindDecision, log[0].Kind)
	assert.Equal(t, decisionlog.KindBreach, log[1].Kind)
}

// failingRunner cancels the caller's context and then reports a failed
// round.
type failingRunner struct{ cancel context.CancelFunc }

func (f failingRunner) Run(ctx context.Context, ev cluster.ThresholdEvent) (*consensus.Round, error) {
	f.cancel()
	return &consensus.Round{Required: 3, Active: 3}, &cluster.NoQuorumError{EventID: ev.EventID(), Required: 3, Active: 3}
}

// TestFailureRecordedAfterCallerLeaves verifies a finished round's failure
// is recorded and settled even when the caller's context ended meanwhile.
func TestFailureRecordedAfterCallerLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dlog := decisionlog.NewMemoryLog()
	coord := NewCoordinator(failingRunner{cancel: cancel}, nil, nil, dlog, nil)

	_, err := coord.HandleBreach(ctx, breachAt("MEC_A", 1))
	var nqe *cluster.NoQuorumError
	require.True(t, errors.As(err, &nqe))

	failures := entries(t, dlog, decisionlog.Filter{Kind: decisionlog.KindFailure})
	require.Len(t, failures, 1)
	assert.Equal(t, "MEC_A#1", failures[0].EventID)
	require.Len(t, coord.Degraded(), 1)

	_, err = coord.HandleBreach(context.Background(), breachAt("MEC_A", 1))
	require.True(t, errors.As(err, &nqe), "replay returns the recorded failure")
}

func TestSitesRunConcurrently(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond, "MEC_A", "MEC_B", "MEC_C")

	start := time.Now()
	var wg sync.WaitGroup
	for _, s := range []cluster.SiteID{"MEC_A", "MEC_B"} {
		wg.Add(1)
		go func(s cluster.SiteID) {
			defer wg.Done()
			_, err := h.coord.HandleBreach(context.Background(), breachAt(s, 1))
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 280*time.Millisecond)
}

func TestObserve(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B")
	sample := cluster.SiteMetrics{SiteID: "MEC_A", LatencyMS: 140, CPUPercent: 40}

	ev, d, err := h.coord.Observe(context.Background(), sample)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NotNil(t, d)
	assert.Equal(t, ev.EventID(), d.EventID)
	assert.Equal(t, cluster.SiteID("MEC_B"), d.SelectedSite)

	// Ongoing breach: nothing new
	ev, d, err = h.coord.Observe(context.Background(), sample)
	assert.NoError(t, err)
	assert.Nil(t, ev)
	assert.Nil(t, d)

	_, _, err = h.coord.Observe(context.Background(), cluster.SiteMetrics{SiteID: "MEC_A", CPUPercent: -1})
	var ve *cluster.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestSetThresholds(t *testing.T) {
	h := newHarness(t, 0, "MEC_A", "MEC_B")
	sample := cluster.SiteMetrics{SiteID: "MEC_A", LatencyMS: 70}

	ev, _, err := h.coord.Observe(context.Background(), sample)
	require.NoError(t, err)
	assert.Nil(t, ev)

	strict := threshold.DefaultConfig()
	strict.LatencyMS = 50
	require.NoError(t, h.coord.SetThresholds(strict))
	assert.Equal(t, 50.0, h.coord.Thresholds().LatencyMS)

	ev, _, err = h.coord.Observe(context.Background(), sample)
	require.NoError(t, err)
	assert.NotNil(t, ev)

	bad := threshold.DefaultConfig()
	bad.HysteresisRatio = 2
	assert.Error(t, h.coord.SetThresholds(bad))
}

func TestHTTPExecutor(t *testing.T) {
	var got cluster.SwarmDecision
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/decisions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := cluster.SwarmDecision{ID: "d-1", SourceSite: "MEC_A", SelectedSite: "MEC_B"}
	require.NoError(t, NewHTTPExecutor(srv.URL).ApplyDecision(context.Background(), d))
	assert.Equal(t, "d-1", got.ID)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	err := NewHTTPExecutor(down.URL).ApplyDecision(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "d-1")

	assert.NoError(t, NewLogExecutor().ApplyDecision(context.Background(), d))
}
