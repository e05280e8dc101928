// Package threshold evaluates site metric snapshots against configured
// thresholds and emits breach events with hysteresis.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
	"github.com/dreamware/edgeswarm/internal/metrics"
)

// Critical ratios per metric family. Utilization is critical at 120% of its
// threshold; queue depth and latencies tolerate larger excursions.
const (
	DefaultHysteresisRatio      = 0.9
	DefaultCriticalRatio        = 1.2
	DefaultQueueCriticalRatio   = 2.0
	DefaultLatencyCriticalRatio = 3.0
)

// Config holds per-metric thresholds. A zero threshold disables the metric.
// Breach requires value > threshold; recovery requires value <
// threshold × HysteresisRatio.
type Config struct {
	LatencyMS          float64 `yaml:"latency_ms" json:"latency_ms"`
	CPUPercent         float64 `yaml:"cpu_percent" json:"cpu_percent"`
	GPUPercent         float64 `yaml:"gpu_percent" json:"gpu_percent"`
	MemoryPercent      float64 `yaml:"memory_percent" json:"memory_percent"`
	QueueDepth         float64 `yaml:"queue_depth" json:"queue_depth"`
	InterSiteLatencyMS float64 `yaml:"inter_site_latency_ms" json:"inter_site_latency_ms"`
	HysteresisRatio    float64 `yaml:"hysteresis_ratio" json:"hysteresis_ratio"`

	// CriticalRatio applies to CPU, GPU and memory utilization.
	CriticalRatio        float64 `yaml:"critical_ratio" json:"critical_ratio"`
	QueueCriticalRatio   float64 `yaml:"queue_critical_ratio" json:"queue_critical_ratio"`
	LatencyCriticalRatio float64 `yaml:"latency_critical_ratio" json:"latency_critical_ratio"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyMS:            100,
		CPUPercent:           80,
		GPUPercent:           80,
		MemoryPercent:        85,
		QueueDepth:           50,
		InterSiteLatencyMS:   20,
		HysteresisRatio:      DefaultHysteresisRatio,
		CriticalRatio:        DefaultCriticalRatio,
		QueueCriticalRatio:   DefaultQueueCriticalRatio,
		LatencyCriticalRatio: DefaultLatencyCriticalRatio,
	}
}

// Validate checks that thresholds are finite and non-negative and that the
// ratios are usable.
func (c Config) Validate() error {
	fields := map[string]float64{
		cluster.MetricLatency:           c.LatencyMS,
		cluster.MetricCPU:               c.CPUPercent,
		cluster.MetricGPU:               c.GPUPercent,
		cluster.MetricMemory:            c.MemoryPercent,
		cluster.MetricQueueDepth:        c.QueueDepth,
		"inter_site_latency_threshold": c.InterSiteLatencyMS,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return &cluster.ValidationError{Field: name, Reason: fmt.Sprintf("threshold %v must be a non-negative number", v)}
		}
	}
	if c.HysteresisRatio <= 0 || c.HysteresisRatio > 1 {
		return &cluster.ValidationError{Field: "hysteresis_ratio", Reason: "must be in (0, 1]"}
	}
	for name, v := range map[string]float64{
		"critical_ratio":         c.CriticalRatio,
		"queue_critical_ratio":   c.QueueCriticalRatio,
		"latency_critical_ratio": c.LatencyCriticalRatio,
	} {
		if v < 1 {
			return &cluster.ValidationError{Field: name, Reason: "must be >= 1"}
		}
	}
	return nil
}

// withDefaults fills zero ratios so a partially specified config still works.
func (c Config) withDefaults() Config {
	if c.HysteresisRatio == 0 {
		c.HysteresisRatio = DefaultHysteresisRatio
	}
	if c.CriticalRatio == 0 {
		c.CriticalRatio = DefaultCriticalRatio
	}
	if c.QueueCriticalRatio == 0 {
		c.QueueCriticalRatio = DefaultQueueCriticalRatio
	}
	if c.LatencyCriticalRatio == 0 {
		c.LatencyCriticalRatio = DefaultLatencyCriticalRatio
	}
	return c
}

// criticalRatio returns the critical multiplier for a metric.
func (c Config) criticalRatio(metric string) float64 {
	switch {
	case metric == cluster.MetricQueueDepth:
		return c.QueueCriticalRatio
	case metric == cluster.MetricLatency, strings.HasPrefix(metric, cluster.InterSiteMetricPrefix):
		return c.LatencyCriticalRatio
	}
	return c.CriticalRatio
}

// siteTrack is the per-site hysteresis state.
type siteTrack struct {
	breached map[string]bool
	last     map[string]float64
	sequence uint64
	mu       sync.Mutex
}

// Monitor evaluates metric snapshots. It is stateful only in the per-site
// breach flags used for hysteresis and the per-site event sequence.
type Monitor struct {
	sites map[cluster.SiteID]*siteTrack
	log   *logx.Logger
	mu    sync.RWMutex
}

// NewMonitor creates a monitor with no tracked sites.
func NewMonitor() *Monitor {
	return &Monitor{
		sites: make(map[cluster.SiteID]*siteTrack),
		log:   logx.New("threshold"),
	}
}

func (m *Monitor) track(siteID cluster.SiteID) *siteTrack {
	m.mu.RLock()
	t, ok := m.sites[siteID]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.sites[siteID]; ok {
		return t
	}
	t = &siteTrack{breached: make(map[string]bool), last: make(map[string]float64)}
	m.sites[siteID] = t
	return t
}

// Resume raises the site's event sequence to at least seq, so the next
// breach is numbered seq+1. Used to continue numbering from a durable log
// after a restart; a lower seq is ignored.
func (m *Monitor) Resume(siteID cluster.SiteID, seq uint64) {
	t := m.track(siteID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.sequence {
		t.sequence = seq
	}
}

// ValidateMetrics rejects snapshots with an empty site id or with negative,
// NaN or infinite values.
func ValidateMetrics(s cluster.SiteMetrics) error {
	if s.SiteID == "" {
		return &cluster.ValidationError{Field: "site_id", Reason: "must not be empty"}
	}
	check := func(name string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &cluster.ValidationError{Field: name, Reason: "not a finite number"}
		}
		if v < 0 {
			return &cluster.ValidationError{Field: name, Reason: fmt.Sprintf("negative value %v", v)}
		}
		return nil
	}
	for _, r := range readingsOf(s, Config{}) {
		if err := check(r.Metric, r.Value); err != nil {
			return err
		}
	}
	return nil
}

// readingsOf lists every metric of the snapshot paired with its threshold,
// in a fixed order.
func readingsOf(s cluster.SiteMetrics, cfg Config) []cluster.Reading {
	out := []cluster.Reading{
		{Metric: cluster.MetricLatency, Value: s.LatencyMS, Threshold: cfg.LatencyMS},
		{Metric: cluster.MetricCPU, Value: s.CPUPercent, Threshold: cfg.CPUPercent},
		{Metric: cluster.MetricGPU, Value: s.GPUPercent, Threshold: cfg.GPUPercent},
		{Metric: cluster.MetricMemory, Value: s.MemoryPercent, Threshold: cfg.MemoryPercent},
		{Metric: cluster.MetricQueueDepth, Value: float64(s.QueueDepth), Threshold: cfg.QueueDepth},
	}
	peers := make([]string, 0, len(s.InterSiteLatencyMS))
	for peer := range s.InterSiteLatencyMS {
		peers = append(peers, string(peer))
	}
	sort.Strings(peers)
	for _, peer := range peers {
		out = append(out, cluster.Reading{
			Metric:    cluster.InterSiteMetricPrefix + peer,
			Value:     s.InterSiteLatencyMS[cluster.SiteID(peer)],
			Threshold: cfg.InterSiteLatencyMS,
		})
	}
	return out
}

// Evaluate compares a snapshot against cfg.
//
// A breach event is returned when at least one metric newly crosses its
// threshold. A metric already in breach stays in breach, without producing
// further events, until it drops below threshold × HysteresisRatio. The
// event lists every metric currently above its threshold; severity is
// critical if any of them reaches its family's critical ratio, multiple if
// two or more breach, single otherwise.
//
// Returns:
//   - (event, true, nil) on a new breach
//   - (nil, false, nil) when normal, recovered or in an ongoing breach
//   - (nil, false, *cluster.ValidationError) for malformed input or config
func (m *Monitor) Evaluate(s cluster.SiteMetrics, cfg Config) (*cluster.ThresholdEvent, bool, error) {
	if err := ValidateMetrics(s); err != nil {
		return nil, false, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	t := m.track(s.SiteID)
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		exceeding []cluster.Reading
		newBreach bool
		critical  bool
	)
	for _, r := range readingsOf(s, cfg) {
		if r.Threshold <= 0 {
			continue
		}
		t.last[r.Metric] = r.Value

		if r.Value > r.Threshold {
			exceeding = append(exceeding, r)
			if r.Value >= r.Threshold*cfg.criticalRatio(r.Metric) {
				critical = true
			}
			if !t.breached[r.Metric] {
				t.breached[r.Metric] = true
				newBreach = true
			}
			continue
		}
		if t.breached[r.Metric] && r.Value < r.Threshold*cfg.HysteresisRatio {
			t.breached[r.Metric] = false
			m.log.Infof("site %s recovered on %s (%.2f < %.2f)", s.SiteID, r.Metric, r.Value, r.Threshold*cfg.HysteresisRatio)
		}
	}

	if !newBreach {
		return nil, false, nil
	}

	severity := cluster.SeveritySingle
	switch {
	case critical:
		severity = cluster.SeverityCritical
	case len(exceeding) >= 2:
		severity = cluster.SeverityMultiple
	}

	t.sequence++
	names := make([]string, len(exceeding))
	for i, r := range exceeding {
		names[i] = r.Metric
	}
	event := &cluster.ThresholdEvent{
		SiteID:    s.SiteID,
		Metrics:   names,
		Readings:  exceeding,
		Severity:  severity,
		Timestamp: s.Timestamp,
		Sequence:  t.sequence,
	}

	metrics.BreachesTotal.WithLabelValues(string(s.SiteID), string(severity)).Inc()
	m.log.Infof("site %s breach #%d severity=%s metrics=%v", s.SiteID, event.Sequence, severity, names)
	return event, true, nil
}

// Status is the breach state of one site.
type Status struct {
	SiteID       cluster.SiteID     `json:"site_id"`
	Active       []string           `json:"active_breaches"`
	LastValues   map[string]float64 `json:"last_values"`
	LastSequence uint64             `json:"last_sequence"`
}

// Status returns the metrics currently held in breach for a site (including
// those inside the hysteresis band).
func (m *Monitor) Status(siteID cluster.SiteID) Status {
	m.mu.RLock()
	t, ok := m.sites[siteID]
	m.mu.RUnlock()
	if !ok {
		return Status{SiteID: siteID, LastValues: map[string]float64{}}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{SiteID: siteID, LastSequence: t.sequence, LastValues: make(map[string]float64, len(t.last))}
	for name, on := range t.breached {
		if on {
			st.Active = append(st.Active, name)
		}
	}
	sort.Strings(st.Active)
	for k, v := range t.last {
		st.LastValues[k] = v
	}
	return st
}
