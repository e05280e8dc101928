// Package decisionlog records breaches, decisions and round failures for
// audit and replay.
//
// The log is append-only. Two adapters implement Log: MemoryLog for tests
// and demos, and SQLiteLog for a durable record that survives restarts.
// Open picks one from a path.
package decisionlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/edgeswarm/internal/cluster"
)

// Kind classifies an entry.
type Kind string

const (
	KindBreach         Kind = "breach"
	KindDecision       Kind = "decision"
	KindFailure        Kind = "failure"
	KindExecutionError Kind = "execution_error"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBreach, KindDecision, KindFailure, KindExecutionError:
		return true
	}
	return false
}

// Entry is one immutable log record. Event is set for every kind; Decision
// for decisions and execution errors; Request and the error fields for
// failures.
type Entry struct {
	Time      time.Time                 `json:"time"`
	Event     *cluster.ThresholdEvent   `json:"event,omitempty"`
	Decision  *cluster.SwarmDecision    `json:"decision,omitempty"`
	Request   *cluster.ConsensusRequest `json:"request,omitempty"`
	ID        string                    `json:"id"`
	Kind      Kind                      `json:"kind"`
	EventID   string                    `json:"event_id"`
	SiteID    cluster.SiteID            `json:"site_id"`
	Error     string                    `json:"error,omitempty"`
	ErrorKind string                    `json:"error_kind,omitempty"`

	// Vote accounting of a failed round.
	Received int `json:"received,omitempty"`
	Required int `json:"required,omitempty"`
	Active   int `json:"active,omitempty"`
}

// Filter selects entries. Zero fields match everything. Limit caps the
// number of entries returned, newest first.
type Filter struct {
	Since   time.Time
	Until   time.Time
	EventID string
	SiteID  cluster.SiteID
	Kind    Kind
	Limit   int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f Filter) Match(e Entry) bool {
	if f.EventID != "" && e.EventID != f.EventID {
		return false
	}
	if f.SiteID != "" && e.SiteID != f.SiteID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	return true
}

// Stats summarizes the log contents.
type Stats struct {
	ByKind  map[Kind]int `json:"by_kind"`
	Entries int          `json:"entries"`
}

// Log is the append-only decision record.
//
// Append assigns the entry's ID (if empty) and Time (if zero) and returns
// the stored entry. Query returns matching entries newest first.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Marks are the highest event sequences recorded for one site.
type Marks struct {
	// Seen is the highest sequence of any entry, settled or not.
	Seen uint64
	// Settled is the highest sequence with a decision or failure.
	Settled uint64
}

// SiteMarks scans the site's entries for its highest sequences. A process
// resuming from a durable log numbers new events above Seen and treats
// events up to Settled as handled.
func SiteMarks(ctx context.Context, l Log, siteID cluster.SiteID) (Marks, error) {
	entries, err := l.Query(ctx, Filter{SiteID: siteID})
	if err != nil {
		return Marks{}, err
	}
	var m Marks
	for _, e := range entries {
		if e.Event == nil {
			continue
		}
		seq := e.Event.Sequence
		m.Seen = max(m.Seen, seq)
		if e.Kind == KindDecision || e.Kind == KindFailure {
			m.Settled = max(m.Settled, seq)
		}
	}
	return m, nil
}

// Open returns a SQLiteLog at path, or a MemoryLog when path is empty.
func Open(path string) (Log, error) {
	if path == "" {
		return NewMemoryLog(), nil
	}
	return OpenSQLite(path)
}

// prepare validates e and fills its ID and Time.
func prepare(e Entry, now time.Time) (Entry, error) {
	if !e.Kind.Valid() {
		return Entry{}, &cluster.ValidationError{Field: "kind", Reason: "unknown entry kind " + string(e.Kind)}
	}
	if e.EventID == "" && e.Event != nil {
		e.EventID = e.Event.EventID()
	}
	if e.SiteID == "" && e.Event != nil {
		e.SiteID = e.Event.SiteID
	}
	if e.EventID == "" {
		return Entry{}, &cluster.ValidationError{Field: "event_id", Reason: "must not be empty"}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now
	}
	return e, nil
}
