// Package health polls registered MEC sites and feeds the results into the
// site registry's circuit breakers.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
)

const (
	// DefaultInterval is the documented health-check cycle.
	DefaultInterval = 10 * time.Second
	// DefaultTimeout bounds a single site check.
	DefaultTimeout = 2 * time.Second
)

// Recorder receives check outcomes. *site.Registry implements it.
type Recorder interface {
	RecordHealthCheck(siteID cluster.SiteID, success bool, m cluster.SiteMetrics)
}

// CheckFunc fetches the current metrics of the site at addr.
type CheckFunc func(ctx context.Context, addr string) (cluster.SiteMetrics, error)

// Poller performs periodic health checks on every registered site.
// Each cycle checks all sites concurrently, each bounded by its own timeout,
// so one slow site cannot delay the verdict on the others.
// Thread-safe: All methods are safe for concurrent access.
type Poller struct {
	recorder  Recorder
	checkFunc CheckFunc
	onMetrics func(ctx context.Context, m cluster.SiteMetrics)
	log       *logx.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	interval  time.Duration
	timeout   time.Duration
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// NewPoller creates a poller that reports to recorder every interval.
//
// Parameters:
//   - interval: How often to check every site (DefaultInterval if zero)
//   - recorder: Receives each check outcome, usually the site registry
//
// Returns:
//   - *Poller: Configured poller ready to start
//
// Example:
//
//	poller := health.NewPoller(10*time.Second, registry)
//	poller.SetOnMetrics(func(ctx context.Context, m cluster.SiteMetrics) {
//	    coord.Observe(ctx, m)
//	})
//	go poller.Start(ctx, sites.List)
func NewPoller(interval time.Duration, recorder Recorder) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		recorder: recorder,
		interval: interval,
		timeout:  DefaultTimeout,
		log:      logx.New("health"),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.checkFunc = FetchMetrics
	return p
}

// SetCheckFunction overrides how a site is checked. This is useful for
// testing or for sites that publish metrics elsewhere.
func (p *Poller) SetCheckFunction(fn CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkFunc = fn
}

// SetOnMetrics sets the callback receiving every successfully fetched
// snapshot, typically the swarm coordinator's Observe.
func (p *Poller) SetOnMetrics(fn func(ctx context.Context, m cluster.SiteMetrics)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMetrics = fn
}

// SetTimeout sets the per-site check timeout.
func (p *Poller) SetTimeout(d time.Duration) {
	if d > 0 {
		p.mu.Lock()
		p.timeout = d
		p.mu.Unlock()
	}
}

// Start polls the sites returned by siteProvider until ctx or Stop cancels
// it. The first cycle runs immediately. Start blocks.
func (p *Poller) Start(ctx context.Context, siteProvider func() []cluster.SiteInfo) {
	p.wg.Add(1)
	defer p.wg.Done()

	if ctx == nil {
		ctx = p.ctx
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Infof("health poller started with interval %v", p.interval)
	p.CheckAll(ctx, siteProvider())

	for {
		select {
		case <-ticker.C:
			p.CheckAll(ctx, siteProvider())
		case <-ctx.Done():
			p.log.Infof("health poller stopping: %v", ctx.Err())
			return
		case <-p.ctx.Done():
			p.log.Infof("health poller stopped")
			return
		}
	}
}

// Stop cancels Start and waits for the current cycle to finish.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// CheckAll runs one cycle over sites and returns when every check has been
// recorded.
func (p *Poller) CheckAll(ctx context.Context, sites []cluster.SiteInfo) {
	var wg sync.WaitGroup
	for _, s := range sites {
		wg.Add(1)
		go func(s cluster.SiteInfo) {
			defer wg.Done()
			p.check(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (p *Poller) check(ctx context.Context, s cluster.SiteInfo) {
	p.mu.RLock()
	fn, onMetrics, timeout := p.checkFunc, p.onMetrics, p.timeout
	p.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	m, err := fn(checkCtx, s.Addr)
	cancel()

	if err == nil {
		switch m.SiteID {
		case "":
			m.SiteID = s.ID
		case s.ID:
		default:
			err = fmt.Errorf("address %s reports site %s", s.Addr, m.SiteID)
		}
	}
	if err != nil {
		p.log.Warnf("health check failed for site %s: %v", s.ID, err)
		p.recorder.RecordHealthCheck(s.ID, false, cluster.SiteMetrics{})
		return
	}

	p.recorder.RecordHealthCheck(s.ID, true, m)
	if onMetrics != nil {
		onMetrics(ctx, m)
	}
}

// FetchMetrics performs GET <addr>/health and decodes the site's metric
// snapshot. addr may be host:port or a full URL.
func FetchMetrics(ctx context.Context, addr string) (cluster.SiteMetrics, error) {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	var m cluster.SiteMetrics
	if err := cluster.GetJSON(ctx, url, &m); err != nil {
		return cluster.SiteMetrics{}, fmt.Errorf("health check request failed: %w", err)
	}
	return m, nil
}
