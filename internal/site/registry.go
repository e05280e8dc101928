// Package site implements the site registry: the single source of truth for
// MEC site health, with one independent circuit breaker per site.
package site

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
	"github.com/dreamware/edgeswarm/internal/metrics"
)

const (
	// DefaultFailureThreshold is the number of consecutive failed checks
	// that opens a circuit.
	DefaultFailureThreshold = 3
	// DefaultCoolDown is how long an OPEN circuit waits before a trial.
	DefaultCoolDown = 60 * time.Second
)

// Transition describes one circuit state change.
type Transition struct {
	At       time.Time
	SiteID   cluster.SiteID
	From     cluster.CircuitState
	To       cluster.CircuitState
	Failures int
}

// siteEntry owns one site's state by value. Its lock guards only this site,
// so checks for independent sites never contend.
type siteEntry struct {
	state cluster.SiteHealthState
	mu    sync.Mutex
}

// Registry tracks per-site health and circuit state.
//
// State machine per site:
//
//	CLOSED ──N consecutive failures──► OPEN
//	OPEN ──first check after cool-down──► HALF_OPEN
//	HALF_OPEN ──success──► CLOSED (failures reset)
//	HALF_OPEN ──failure──► OPEN (cool-down restarts)
//
// Concurrency Model:
//   - The sites map is guarded by an RWMutex and only written when a site is
//     first seen
//   - Each site has its own mutex for state transitions
//   - Transition callbacks run after the site lock is released
//   - All returned states are copies
//
// Sites never reference the registry; the registry owns every
// SiteHealthState by value, keyed by site id.
type Registry struct {
	sites        map[cluster.SiteID]*siteEntry
	now          func() time.Time
	onTransition func(Transition)
	log          *logx.Logger
	coolDown     time.Duration
	mu           sync.RWMutex
	maxFailures  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithFailureThreshold sets the consecutive failure count that opens a circuit.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxFailures = n
		}
	}
}

// WithCoolDown sets how long a circuit stays OPEN before a trial.
func WithCoolDown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.coolDown = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
//
// Defaults: 3 consecutive failures open a circuit, 60s cool-down.
//
// Example:
//
//	registry := site.NewRegistry(site.WithCoolDown(30 * time.Second))
//	registry.Register("MEC_A")
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sites:       make(map[cluster.SiteID]*siteEntry),
		now:         time.Now,
		log:         logx.New("registry"),
		coolDown:    DefaultCoolDown,
		maxFailures: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOnTransition sets the callback invoked on every circuit state change.
// It is typically used by the swarm coordinator for logging.
//
// The callback runs synchronously on the goroutine that recorded the check,
// after the site lock is released.
func (r *Registry) SetOnTransition(callback func(Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = callback
}

// Register adds a site in CLOSED state. Registering a known site is a no-op.
func (r *Registry) Register(siteID cluster.SiteID) {
	r.entry(siteID)
}

// entry returns the site's entry, auto-registering it as CLOSED.
func (r *Registry) entry(siteID cluster.SiteID) *siteEntry {
	r.mu.RLock()
	e, ok := r.sites[siteID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.sites[siteID]; ok {
		return e
	}
	e = &siteEntry{state: cluster.SiteHealthState{
		SiteID:  siteID,
		Circuit: cluster.CircuitClosed,
	}}
	r.sites[siteID] = e
	r.log.Infof("registered site %s", siteID)
	return e
}

// RecordHealthCheck records the outcome of one health check and advances the
// site's circuit breaker. Unknown sites are auto-registered as CLOSED.
//
// Parameters:
//   - siteID: the checked site
//   - success: whether the check passed
//   - m: the metrics observed by the check (stored as last-known metrics
//     when it carries the site's id)
//
// Thread Safety:
// Safe for concurrent calls from several health-check sources. Checks for
// the same site are serialized on the site's lock.
func (r *Registry) RecordHealthCheck(siteID cluster.SiteID, success bool, m cluster.SiteMetrics) {
	e := r.entry(siteID)

	e.mu.Lock()
	now := r.now()
	st := &e.state
	from := st.Circuit
	st.LastCheck = now
	if m.SiteID == siteID {
		snapshot := m.Clone()
		st.LastMetrics = &snapshot
	}

	switch st.Circuit {
	case cluster.CircuitClosed:
		if success {
			st.ConsecutiveFailures = 0
			break
		}
		st.ConsecutiveFailures++
		st.LastFailure = now
		if st.ConsecutiveFailures >= r.maxFailures {
			st.Circuit = cluster.CircuitOpen
			st.OpenedAt = now
		}
	case cluster.CircuitOpen:
		if !success {
			st.ConsecutiveFailures++
			st.LastFailure = now
		}
		if now.Sub(st.OpenedAt) >= r.coolDown {
			// The next check after this one is the trial.
			st.Circuit = cluster.CircuitHalfOpen
		}
	case cluster.CircuitHalfOpen:
		if success {
			st.Circuit = cluster.CircuitClosed
			st.ConsecutiveFailures = 0
			break
		}
		st.ConsecutiveFailures++
		st.LastFailure = now
		st.Circuit = cluster.CircuitOpen
		st.OpenedAt = now
	}

	to := st.Circuit
	failures := st.ConsecutiveFailures
	e.mu.Unlock()

	if from == to {
		return
	}

	metrics.CircuitTransitions.WithLabelValues(string(siteID), string(from), string(to)).Inc()
	r.log.Infof("site %s circuit %s -> %s (consecutive failures %d)", siteID, from, to, failures)

	r.mu.RLock()
	cb := r.onTransition
	r.mu.RUnlock()
	if cb != nil {
		cb(Transition{SiteID: siteID, From: from, To: to, At: now, Failures: failures})
	}
}

// CandidateSites returns every site whose circuit is not OPEN, sorted by id.
//
// Example:
//
//	for _, id := range registry.CandidateSites() {
//	    fmt.Println("can absorb load:", id)
//	}
func (r *Registry) CandidateSites() []cluster.SiteID {
	var out []cluster.SiteID
	for _, st := range r.Snapshot() {
		if st.Circuit != cluster.CircuitOpen {
			out = append(out, st.SiteID)
		}
	}
	return out
}

// GetState returns a copy of a site's health state.
//
// Returns:
//   - the state on success
//   - *cluster.NotFoundError if the site was never registered
func (r *Registry) GetState(siteID cluster.SiteID) (cluster.SiteHealthState, error) {
	r.mu.RLock()
	e, ok := r.sites[siteID]
	r.mu.RUnlock()
	if !ok {
		return cluster.SiteHealthState{}, &cluster.NotFoundError{SiteID: siteID}
	}
	return e.snapshot(), nil
}

// Snapshot returns copies of all site states, sorted by site id.
func (r *Registry) Snapshot() []cluster.SiteHealthState {
	r.mu.RLock()
	entries := make([]*siteEntry, 0, len(r.sites))
	for _, e := range r.sites {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]cluster.SiteHealthState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	slices.SortFunc(out, func(a, b cluster.SiteHealthState) int {
		switch {
		case a.SiteID < b.SiteID:
			return -1
		case a.SiteID > b.SiteID:
			return 1
		}
		return 0
	})
	return out
}

func (e *siteEntry) snapshot() cluster.SiteHealthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.state
	if e.state.LastMetrics != nil {
		m := e.state.LastMetrics.Clone()
		out.LastMetrics = &m
	}
	return out
}
