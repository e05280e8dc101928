// Package swarm ties breach detection to consensus: it turns threshold
// events into voting rounds, records every outcome, and hands decisions to
// an executor.
package swarm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/consensus"
	"github.com/dreamware/edgeswarm/internal/decisionlog"
	"github.com/dreamware/edgeswarm/internal/logx"
	"github.com/dreamware/edgeswarm/internal/metrics"
	"github.com/dreamware/edgeswarm/internal/site"
	"github.com/dreamware/edgeswarm/internal/threshold"
)

// DefaultDegradedInterval is how long a site operates device-only after a
// failed round, and the minimum spacing of its degraded signals. It matches
// the default health-check cycle.
const DefaultDegradedInterval = 10 * time.Second

// RoundRunner runs one consensus round. *consensus.Engine implements it.
type RoundRunner interface {
	Run(ctx context.Context, event cluster.ThresholdEvent) (*consensus.Round, error)
}

// DegradedSignal tells a site to operate device-only until Until, because
// no other site could take its load.
type DegradedSignal struct {
	Time    time.Time      `json:"time"`
	Until   time.Time      `json:"until"`
	SiteID  cluster.SiteID `json:"site_id"`
	EventID string         `json:"event_id"`
	Reason  string         `json:"reason"`
	Detail  string         `json:"detail"`
}

// lane serializes event handling for one site. Waiting events are admitted
// lowest sequence first. lastSeq and resumed belong to the admitted holder.
type lane struct {
	limiter *rate.Limiter
	waiting map[uint64]int
	cond    *sync.Cond
	lastSeq uint64
	mu      sync.Mutex
	busy    bool
	resumed bool
}

func newLane(interval time.Duration) *lane {
	l := &lane{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		waiting: make(map[uint64]int),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// acquire blocks until the lane is free and no waiting event has a lower
// sequence than seq.
func (l *lane) acquire(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting[seq]++
	for l.busy || l.lowest() < seq {
		l.cond.Wait()
	}
	if l.waiting[seq]--; l.waiting[seq] == 0 {
		delete(l.waiting, seq)
	}
	l.busy = true
}

func (l *lane) release() {
	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// lowest returns the lowest waiting sequence. Called with mu held.
func (l *lane) lowest() uint64 {
	low := uint64(math.MaxUint64)
	for seq := range l.waiting {
		low = min(low, seq)
	}
	return low
}

// Coordinator handles threshold events.
//
// Guarantees:
//   - Idempotent per event id: a replayed event returns the recorded
//     decision, or the recorded failure kind, without a new round
//   - Events of one site are handled one at a time; waiting events are
//     admitted lowest sequence first, and an event at or below the last
//     settled sequence is rejected
//   - Sequences resume from the decision log, so event ids stay unique
//     across restarts on a durable log
//   - Once a round ran, its outcome is recorded even if ctx ends; a round
//     abandoned because ctx ended is neither recorded nor settled and can
//     be retried
//   - Events of different sites run concurrently
//   - Round failures never escape as anything but *cluster.NoQuorumError or
//     *cluster.NoCandidatesError, and always produce a degraded signal
//     (rate limited per site)
//   - Executor failures are logged and recorded; the decision stands
//
// Example:
//
//	coord := swarm.NewCoordinator(engine, monitor, holder, dlog, swarm.NewLogExecutor())
//	registry.SetOnTransition(coord.OnTransition)
//	decision, err := coord.HandleBreach(ctx, event)
type Coordinator struct {
	rounds     RoundRunner
	monitor    *threshold.Monitor
	thresholds *threshold.Holder
	dlog       decisionlog.Log
	exec       Executor
	lanes      map[cluster.SiteID]*lane
	degraded   map[cluster.SiteID]DegradedSignal
	onDegraded func(DegradedSignal)
	now        func() time.Time
	log        *logx.Logger
	interval   time.Duration
	mu         sync.Mutex
}

// NewCoordinator wires a coordinator. A nil executor defaults to
// LogExecutor; nil thresholds default to threshold.DefaultConfig.
func NewCoordinator(rounds RoundRunner, monitor *threshold.Monitor, thresholds *threshold.Holder, dlog decisionlog.Log, exec Executor) *Coordinator {
	if exec == nil {
		exec = NewLogExecutor()
	}
	if thresholds == nil {
		thresholds = threshold.NewHolder(threshold.DefaultConfig())
	}
	if monitor == nil {
		monitor = threshold.NewMonitor()
	}
	return &Coordinator{
		rounds:     rounds,
		monitor:    monitor,
		thresholds: thresholds,
		dlog:       dlog,
		exec:       exec,
		lanes:      make(map[cluster.SiteID]*lane),
		degraded:   make(map[cluster.SiteID]DegradedSignal),
		now:        time.Now,
		log:        logx.New("swarm"),
		interval:   DefaultDegradedInterval,
	}
}

// SetDegradedInterval sets the device-only window and degraded signal
// spacing. Call before handling events.
func (c *Coordinator) SetDegradedInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// SetOnDegraded sets the callback receiving degraded signals. It runs
// synchronously while the site's lane is held.
func (c *Coordinator) SetOnDegraded(callback func(DegradedSignal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDegraded = callback
}

// Thresholds returns the live threshold configuration.
func (c *Coordinator) Thresholds() threshold.Config { return c.thresholds.Load() }

// SetThresholds swaps the live thresholds. Evaluations in flight finish with
// the previous config.
func (c *Coordinator) SetThresholds(cfg threshold.Config) error {
	if err := c.thresholds.Store(cfg); err != nil {
		return err
	}
	c.log.Infof("thresholds updated: %+v", cfg)
	return nil
}

// OnTransition logs circuit changes. Register it with
// site.Registry.SetOnTransition.
func (c *Coordinator) OnTransition(t site.Transition) {
	switch t.To {
	case cluster.CircuitOpen:
		c.log.Warnf("site %s circuit %s -> %s after %d failures", t.SiteID, t.From, t.To, t.Failures)
	default:
		c.log.Infof("site %s circuit %s -> %s", t.SiteID, t.From, t.To)
	}
}

func (c *Coordinator) lane(siteID cluster.SiteID) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[siteID]
	if !ok {
		l = newLane(c.interval)
		c.lanes[siteID] = l
	}
	return l
}

// resume continues the site's numbering from the decision log on first use
// of its lane. Called by the lane holder.
func (c *Coordinator) resume(ctx context.Context, l *lane, siteID cluster.SiteID) error {
	if l.resumed {
		return nil
	}
	marks, err := decisionlog.SiteMarks(ctx, c.dlog, siteID)
	if err != nil {
		return fmt.Errorf("resume site %s: %w", siteID, err)
	}
	c.monitor.Resume(siteID, marks.Seen)
	l.lastSeq = max(l.lastSeq, marks.Settled)
	l.resumed = true
	if marks.Seen > 0 {
		c.log.Infof("site %s resumed at sequence %d (settled %d)", siteID, marks.Seen, marks.Settled)
	}
	return nil
}

// Observe evaluates a metric sample against the live thresholds and, on a
// new breach, handles it before the site's next sample is evaluated.
//
// Returns:
//   - (nil, nil, nil) when no new breach occurred
//   - (event, decision, nil) when a round selected a site
//   - (event, nil, err) when the round failed
//   - (nil, nil, *cluster.ValidationError) for a malformed sample
//
// When ctx ends mid-round the event is returned with ctx.Err(); the monitor
// counts the breach as ongoing, so retry it with HandleBreach.
func (c *Coordinator) Observe(ctx context.Context, m cluster.SiteMetrics) (*cluster.ThresholdEvent, *cluster.SwarmDecision, error) {
	if err := threshold.ValidateMetrics(m); err != nil {
		return nil, nil, err
	}
	l := c.lane(m.SiteID)
	// The sequence is assigned below, after every waiting event.
	l.acquire(math.MaxUint64)
	defer l.release()

	if err := c.resume(ctx, l, m.SiteID); err != nil {
		return nil, nil, err
	}
	event, breached, err := c.monitor.Evaluate(m, c.thresholds.Load())
	if err != nil || !breached {
		return nil, nil, err
	}
	d, err := c.handle(ctx, l, *event)
	return event, d, err
}

// HandleBreach runs or replays the consensus round for event.
//
// Errors: *cluster.ValidationError for a malformed or stale event,
// *cluster.NoQuorumError or *cluster.NoCandidatesError for a failed round,
// ctx.Err() when ctx ended the round, or a wrapped decision log error.
func (c *Coordinator) HandleBreach(ctx context.Context, event cluster.ThresholdEvent) (*cluster.SwarmDecision, error) {
	if event.SiteID == "" {
		return nil, &cluster.ValidationError{Field: "site_id", Reason: "must not be empty"}
	}
	if event.Sequence == 0 {
		return nil, &cluster.ValidationError{Field: "sequence", Reason: "must be positive"}
	}
	l := c.lane(event.SiteID)
	l.acquire(event.Sequence)
	defer l.release()
	if err := c.resume(ctx, l, event.SiteID); err != nil {
		return nil, err
	}
	return c.handle(ctx, l, event)
}

// handle runs as the lane holder. lastSeq advances only once the outcome is
// in the log.
func (c *Coordinator) handle(ctx context.Context, l *lane, event cluster.ThresholdEvent) (*cluster.SwarmDecision, error) {
	id := event.EventID()

	prior, err := c.dlog.Query(ctx, decisionlog.Filter{EventID: id})
	if err != nil {
		return nil, fmt.Errorf("look up event %s: %w", id, err)
	}
	breachLogged := false
	for _, e := range prior {
		switch e.Kind {
		case decisionlog.KindBreach:
			breachLogged = true
		case decisionlog.KindDecision:
			c.log.Debugf("event %s already decided (%s)", id, e.Decision.ID)
			return e.Decision, nil
		case decisionlog.KindFailure:
			c.log.Debugf("event %s already failed (%s)", id, e.ErrorKind)
			return nil, restoreFailure(e)
		}
	}
	if event.Sequence <= l.lastSeq {
		return nil, &cluster.ValidationError{
			Field:  "sequence",
			Reason: fmt.Sprintf("event %s is not after last settled sequence %d", id, l.lastSeq),
		}
	}

	if !breachLogged {
		if _, err := c.dlog.Append(ctx, decisionlog.Entry{Kind: decisionlog.KindBreach, Event: &event}); err != nil {
			return nil, fmt.Errorf("record breach %s: %w", id, err)
		}
	}

	round, err := c.rounds.Run(ctx, event)
	// Outcomes are recorded and applied even if the caller has gone.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return nil, c.fail(ctx, l, event, round, err)
	}

	d := round.Decision
	if _, err := c.dlog.Append(ctx, decisionlog.Entry{Kind: decisionlog.KindDecision, Event: &event, Decision: d}); err != nil {
		return nil, fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	l.lastSeq = event.Sequence
	c.mu.Lock()
	delete(c.degraded, event.SiteID)
	c.mu.Unlock()

	if err := c.exec.ApplyDecision(ctx, *d); err != nil {
		execErr := &cluster.ExecutionError{DecisionID: d.ID, Err: err}
		metrics.ExecutionFailures.Inc()
		c.log.Errorf("%v", execErr)
		if _, logErr := c.dlog.Append(ctx, decisionlog.Entry{
			Kind:      decisionlog.KindExecutionError,
			Event:     &event,
			Decision:  d,
			Error:     execErr.Error(),
			ErrorKind: cluster.KindExecution,
		}); logErr != nil {
			c.log.Errorf("record execution failure of %s: %v", d.ID, logErr)
		}
	}
	return d, nil
}

// fail records a failed round and signals degraded mode. Errors other than
// round failures, such as an abandoned round, are returned unchanged and
// leave the event unsettled.
func (c *Coordinator) fail(ctx context.Context, l *lane, event cluster.ThresholdEvent, round *consensus.Round, err error) error {
	if !cluster.IsRoundFailure(err) {
		c.log.Errorf("round for %s aborted: %v", event.EventID(), err)
		return err
	}
	kind := cluster.ErrorKind(err)
	entry := decisionlog.Entry{
		Kind:      decisionlog.KindFailure,
		Event:     &event,
		Error:     err.Error(),
		ErrorKind: kind,
	}
	detail := err.Error()
	if round != nil {
		entry.Request = &round.Request
		entry.Received = len(round.Votes)
		entry.Required = round.Required
		entry.Active = round.Active
		detail = round.String()
	}
	c.log.Errorf("round failed: %v; %s", err, detail)
	if _, logErr := c.dlog.Append(ctx, entry); logErr != nil {
		c.log.Errorf("record failure of %s: %v", event.EventID(), logErr)
	} else {
		l.lastSeq = event.Sequence
	}
	c.degrade(l, event, kind, err.Error())
	return err
}

// degrade emits a degraded signal unless one was emitted for the site within
// the last interval.
func (c *Coordinator) degrade(l *lane, event cluster.ThresholdEvent, reason, detail string) {
	now := c.now()
	sig := DegradedSignal{
		Time:    now,
		Until:   now.Add(c.interval),
		SiteID:  event.SiteID,
		EventID: event.EventID(),
		Reason:  reason,
		Detail:  detail,
	}
	c.mu.Lock()
	c.degraded[event.SiteID] = sig
	cb := c.onDegraded
	c.mu.Unlock()

	if !l.limiter.AllowN(now, 1) {
		c.log.Debugf("degraded signal for %s suppressed", event.SiteID)
		return
	}
	metrics.DegradedTotal.WithLabelValues(string(event.SiteID), reason).Inc()
	c.log.Warnf("site %s degraded to device-only until %s: %s", event.SiteID, sig.Until.Format(time.RFC3339), reason)
	if cb != nil {
		cb(sig)
	}
}

// Degraded returns the sites currently operating device-only, sorted by id.
func (c *Coordinator) Degraded() []DegradedSignal {
	now := c.now()
	c.mu.Lock()
	var out []DegradedSignal
	for _, sig := range c.degraded {
		if now.Before(sig.Until) {
			out = append(out, sig)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

// restoreFailure rebuilds the typed error of a recorded failure.
func restoreFailure(e decisionlog.Entry) error {
	switch e.ErrorKind {
	case cluster.KindNoCandidates:
		return &cluster.NoCandidatesError{EventID: e.EventID, SiteID: e.SiteID}
	default:
		return &cluster.NoQuorumError{EventID: e.EventID, Received: e.Received, Required: e.Required, Active: e.Active}
	}
}
