package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SiteID identifies a MEC site, e.g. "MEC_A".
type SiteID string

// Metric names tracked by the threshold monitor. Inter-site latencies are
// reported as InterSiteMetricPrefix + peer site id.
const (
	MetricLatency         = "latency_ms"
	MetricCPU             = "cpu_percent"
	MetricGPU             = "gpu_percent"
	MetricMemory          = "memory_percent"
	MetricQueueDepth      = "queue_depth"
	InterSiteMetricPrefix = "inter_site_latency:"
)

// SiteMetrics is an immutable performance snapshot of one site.
type SiteMetrics struct {
	Timestamp          time.Time          `json:"timestamp"`
	InterSiteLatencyMS map[SiteID]float64 `json:"inter_site_latency_ms,omitempty"`
	SiteID             SiteID             `json:"site_id"`
	LatencyMS          float64            `json:"latency_ms"`
	CPUPercent         float64            `json:"cpu_percent"`
	GPUPercent         float64            `json:"gpu_percent"`
	MemoryPercent      float64            `json:"memory_percent"`
	QueueDepth         int                `json:"queue_depth"`
}

// Clone returns a deep copy so callers can keep the snapshot immutable.
func (m SiteMetrics) Clone() SiteMetrics {
	out := m
	if m.InterSiteLatencyMS != nil {
		out.InterSiteLatencyMS = make(map[SiteID]float64, len(m.InterSiteLatencyMS))
		for k, v := range m.InterSiteLatencyMS {
			out.InterSiteLatencyMS[k] = v
		}
	}
	return out
}

// CircuitState is the circuit breaker position of a site.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// SiteHealthState is the registry's view of one site.
type SiteHealthState struct {
	LastFailure         time.Time    `json:"last_failure,omitempty"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	LastCheck           time.Time    `json:"last_check,omitempty"`
	LastMetrics         *SiteMetrics `json:"last_metrics,omitempty"`
	SiteID              SiteID       `json:"site_id"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// Severity classifies a breach.
type Severity string

const (
	SeveritySingle   Severity = "single"
	SeverityMultiple Severity = "multiple"
	SeverityCritical Severity = "critical"
)

// Reading is one metric value compared against its threshold.
type Reading struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Ratio returns value/threshold.
func (r Reading) Ratio() float64 {
	if r.Threshold == 0 {
		return 0
	}
	return r.Value / r.Threshold
}

// ThresholdEvent reports a breach at one site. Sequence is strictly
// increasing per site.
type ThresholdEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SiteID    SiteID    `json:"site_id"`
	Severity  Severity  `json:"severity"`
	Metrics   []string  `json:"metrics"`
	Readings  []Reading `json:"readings,omitempty"`
	Sequence  uint64    `json:"sequence"`
}

// EventID is the idempotency key of the event: "<site>#<sequence>".
func (e ThresholdEvent) EventID() string {
	return string(e.SiteID) + "#" + strconv.FormatUint(e.Sequence, 10)
}

// ConsensusRequest is the input of one voting round.
type ConsensusRequest struct {
	Event      ThresholdEvent    `json:"event"`
	Sites      []SiteHealthState `json:"sites"`
	Candidates []SiteID          `json:"candidates"`
}

// Site returns the snapshot for id, if present.
func (r ConsensusRequest) Site(id SiteID) (SiteHealthState, bool) {
	for _, s := range r.Sites {
		if s.SiteID == id {
			return s, true
		}
	}
	return SiteHealthState{}, false
}

// Abstain is the SiteID carried by a vote that recommends no site.
const Abstain SiteID = ""

// AgentVote is one participant's recommendation. Rationale is opaque.
type AgentVote struct {
	ParticipantID string  `json:"participant_id"`
	SiteID        SiteID  `json:"site_id"`
	Rationale     string  `json:"rationale,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Abstained reports whether the vote recommends no site.
func (v AgentVote) Abstained() bool { return v.SiteID == Abstain }

// SwarmDecision is the immutable outcome of a round.
type SwarmDecision struct {
	Timestamp    time.Time          `json:"timestamp"`
	Scores       map[SiteID]float64 `json:"scores,omitempty"`
	ID           string             `json:"id"`
	EventID      string             `json:"event_id"`
	SourceSite   SiteID             `json:"source_site"`
	SelectedSite SiteID             `json:"selected_site"`
	Fallbacks    []SiteID           `json:"fallback_sites"`
	Voters       []string           `json:"voters"`
	Votes        []AgentVote        `json:"votes,omitempty"`
	Confidence   float64            `json:"confidence"`
	Duration     time.Duration      `json:"duration"`
	QuorumMet    bool               `json:"quorum_met"`
}

// SiteInfo is a site's registration record.
type SiteInfo struct {
	ID   SiteID `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Site SiteInfo `json:"site"`
}

// HealthCheckReport is the body of POST /health-checks.
type HealthCheckReport struct {
	Metrics *SiteMetrics `json:"metrics,omitempty"`
	SiteID  SiteID       `json:"site_id"`
	Success bool         `json:"success"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
