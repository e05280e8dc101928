// Package tuning proposes threshold adjustments from the breach history in
// the decision log. Proposals are advisory: nothing here changes the live
// thresholds.
package tuning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/decisionlog"
	"github.com/dreamware/edgeswarm/internal/threshold"
)

// interSiteFamily groups all per-peer inter-site latency readings.
const interSiteFamily = "inter_site_latency_ms"

// Options tune the advisor.
type Options struct {
	// Window is how far back breaches are considered.
	Window time.Duration `yaml:"window"`
	// MinBreaches is the breach count below which a metric is left alone.
	MinBreaches int `yaml:"min_breaches"`
	// MarginalRatio is the value/threshold ratio under which a breach counts
	// as marginal.
	MarginalRatio float64 `yaml:"marginal_ratio"`
	// MarginalShare is the fraction of marginal breaches that triggers a
	// proposal.
	MarginalShare float64 `yaml:"marginal_share"`
	// MaxRaise caps a proposal at current × (1 + MaxRaise).
	MaxRaise float64 `yaml:"max_raise"`
}

// DefaultOptions looks at the last 24h and proposes at most +25% when at
// least 80% of five or more breaches stayed within 10% of the threshold.
func DefaultOptions() Options {
	return Options{
		Window:        24 * time.Hour,
		MinBreaches:   5,
		MarginalRatio: 1.1,
		MarginalShare: 0.8,
		MaxRaise:      0.25,
	}
}

// Adjustment is one proposed threshold change.
type Adjustment struct {
	Metric   string  `json:"metric"`
	Reason   string  `json:"reason"`
	Current  float64 `json:"current"`
	Proposed float64 `json:"proposed"`
	Breaches int     `json:"breaches"`
	Marginal int     `json:"marginal"`
}

// Proposal is the advisor's output. Config is the current configuration
// with every adjustment applied.
type Proposal struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Since       time.Time        `json:"since"`
	Config      threshold.Config `json:"config"`
	Adjustments []Adjustment     `json:"adjustments"`
	Breaches    int              `json:"breaches"`
}

// Advisor reads breach entries and proposes thresholds.
type Advisor struct {
	log  decisionlog.Log
	now  func() time.Time
	opts Options
}

// NewAdvisor creates an advisor over l. Zero options take their defaults.
func NewAdvisor(l decisionlog.Log, opts Options) *Advisor {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.MinBreaches <= 0 {
		opts.MinBreaches = def.MinBreaches
	}
	if opts.MarginalRatio <= 1 {
		opts.MarginalRatio = def.MarginalRatio
	}
	if opts.MarginalShare <= 0 || opts.MarginalShare > 1 {
		opts.MarginalShare = def.MarginalShare
	}
	if opts.MaxRaise <= 0 {
		opts.MaxRaise = def.MaxRaise
	}
	return &Advisor{log: l, opts: opts, now: time.Now}
}

type familyStats struct {
	maxMarginal float64
	breaches    int
	marginal    int
}

// Propose analyses breaches within the window against current.
//
// A metric whose breaches are frequent but mostly marginal is flapping
// around its limit rather than overloaded; its threshold is raised to just
// above the largest marginal value seen, capped by MaxRaise. Metrics with
// substantial excursions are left alone.
func (a *Advisor) Propose(ctx context.Context, current threshold.Config) (Proposal, error) {
	now := a.now()
	since := now.Add(-a.opts.Window)
	entries, err := a.log.Query(ctx, decisionlog.Filter{Kind: decisionlog.KindBreach, Since: since})
	if err != nil {
		return Proposal{}, fmt.Errorf("read breach history: %w", err)
	}

	stats := make(map[string]*familyStats)
	for _, e := range entries {
		if e.Event == nil {
			continue
		}
		for _, r := range e.Event.Readings {
			if r.Threshold <= 0 {
				continue
			}
			fam := family(r.Metric)
			st, ok := stats[fam]
			if !ok {
				st = &familyStats{}
				stats[fam] = st
			}
			st.breaches++
			if r.Ratio() < a.opts.MarginalRatio {
				st.marginal++
				st.maxMarginal = math.Max(st.maxMarginal, r.Value)
			}
		}
	}

	p := Proposal{GeneratedAt: now, Since: since, Config: current, Breaches: len(entries)}
	families := make([]string, 0, len(stats))
	for fam := range stats {
		families = append(families, fam)
	}
	sort.Strings(families)

	for _, fam := range families {
		st := stats[fam]
		if st.breaches < a.opts.MinBreaches {
			continue
		}
		share := float64(st.marginal) / float64(st.breaches)
		if share < a.opts.MarginalShare {
			continue
		}
		cur := get(p.Config, fam)
		if cur <= 0 {
			continue
		}
		proposed := math.Min(st.maxMarginal*1.05, cur*(1+a.opts.MaxRaise))
		if isPercent(fam) {
			proposed = math.Min(proposed, 100)
		}
		proposed = math.Round(proposed*100) / 100
		if proposed <= cur {
			continue
		}
		set(&p.Config, fam, proposed)
		p.Adjustments = append(p.Adjustments, Adjustment{
			Metric:   fam,
			Current:  cur,
			Proposed: proposed,
			Breaches: st.breaches,
			Marginal: st.marginal,
			Reason: fmt.Sprintf("%d of %d breaches within %.0f%% of the threshold",
				st.marginal, st.breaches, (a.opts.MarginalRatio-1)*100),
		})
	}
	return p, nil
}

func family(metric string) string {
	if strings.HasPrefix(metric, cluster.InterSiteMetricPrefix) {
		return interSiteFamily
	}
	return metric
}

func isPercent(fam string) bool {
	return fam == cluster.MetricCPU || fam == cluster.MetricGPU || fam == cluster.MetricMemory
}

func get(c threshold.Config, fam string) float64 {
	switch fam {
	case cluster.MetricLatency:
		return c.LatencyMS
	case cluster.MetricCPU:
		return c.CPUPercent
	case cluster.MetricGPU:
		return c.GPUPercent
	case cluster.MetricMemory:
		return c.MemoryPercent
	case cluster.MetricQueueDepth:
		return c.QueueDepth
	case interSiteFamily:
		return c.InterSiteLatencyMS
	}
	return 0
}

func set(c *threshold.Config, fam string, v float64) {
	switch fam {
	case cluster.MetricLatency:
		c.LatencyMS = v
	case cluster.MetricCPU:
		c.CPUPercent = v
	case cluster.MetricGPU:
		c.GPUPercent = v
	case cluster.MetricMemory:
		c.MemoryPercent = v
	case cluster.MetricQueueDepth:
		c.QueueDepth = v
	case interSiteFamily:
		c.InterSiteLatencyMS = v
	}
}
