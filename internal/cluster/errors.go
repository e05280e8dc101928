package cluster

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects bad input at the boundary (malformed metrics,
// invalid configuration, stale events).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when a site was never registered.
type NotFoundError struct {
	SiteID SiteID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("site %s not found", e.SiteID)
}

// NoQuorumError fails a round that gathered no usable vote.
type NoQuorumError struct {
	EventID  string
	Received int
	Required int
	Active   int
}

func (e *NoQuorumError) Error() string {
	return fmt.Sprintf("no quorum for event %s: %d of %d participants voted, %d required",
		e.EventID, e.Received, e.Active, e.Required)
}

// NoCandidatesError fails a round when every other known site is OPEN.
type NoCandidatesError struct {
	EventID string
	SiteID  SiteID
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("no candidate sites to absorb load from %s (event %s)", e.SiteID, e.EventID)
}

// TimeoutError marks a participant vote or a round that ran out of time.
type TimeoutError struct {
	Participant string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Participant == "" {
		return fmt.Sprintf("round timed out after %v", e.Timeout)
	}
	return fmt.Sprintf("participant %s timed out after %v", e.Participant, e.Timeout)
}

// ExecutionError wraps an Executor failure. The decision stays valid.
type ExecutionError struct {
	Err        error
	DecisionID string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("apply decision %s: %v", e.DecisionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Error kind names, used when errors are recorded and restored from the
// decision log.
const (
	KindValidation   = "validation"
	KindNotFound     = "not_found"
	KindNoQuorum     = "no_quorum"
	KindNoCandidates = "no_candidates"
	KindTimeout      = "timeout"
	KindExecution    = "execution"
)

// ErrorKind returns the taxonomy name of err, or "" if it is not one of
// the named kinds.
func ErrorKind(err error) string {
	var (
		ve  *ValidationError
		nfe *NotFoundError
		nqe *NoQuorumError
		nce *NoCandidatesError
		te  *TimeoutError
		ee  *ExecutionError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nfe):
		return KindNotFound
	case errors.As(err, &nqe):
		return KindNoQuorum
	case errors.As(err, &nce):
		return KindNoCandidates
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &ee):
		return KindExecution
	}
	return ""
}

// IsRoundFailure reports whether err is a recoverable round-level failure
// (NoQuorumError or NoCandidatesError).
func IsRoundFailure(err error) bool {
	kind := ErrorKind(err)
	return kind == KindNoQuorum || kind == KindNoCandidates
}
