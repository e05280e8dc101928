// Package main implements the edge site agent. One agent runs at every MEC
// site: it serves a live metric snapshot of its host on /health, registers
// the site with the coordinator and can optionally push samples itself.
//
// Metrics:
//   - cpu_percent, memory_percent: host utilisation via gopsutil
//   - latency_ms: round trip of a GET to the coordinator's /health
//   - inter_site_latency_ms: round trip to each configured peer site
//   - queue_depth: requests currently in flight on this agent
//
// Configuration:
//   - SITE_ID: Site identifier, e.g. MEC_A (required)
//   - SITE_LISTEN: Listen address (default: ":8081")
//   - SITE_ADDR: Public address for the coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_URL: Coordinator base URL (required)
//   - SITE_PEERS: Comma separated id=url pairs probed for inter-site latency
//   - SITE_PUSH_INTERVAL: Push samples to /samples at this interval (default: off)
//
// Example usage:
//
//	SITE_ID=MEC_A \
//	SITE_LISTEN=:8081 \
//	SITE_ADDR=http://10.0.0.1:8081 \
//	COORDINATOR_URL=http://10.0.0.100:8080 \
//	SITE_PEERS=MEC_B=http://10.0.0.2:8081,MEC_C=http://10.0.0.3:8081 \
//	./site
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

const (
	registerAttempts = 10
	registerBackoff  = 400 * time.Millisecond
)

func main() {
	id := cluster.SiteID(mustGetenv("SITE_ID"))
	listen := getenv("SITE_LISTEN", ":8081")
	public := getenv("SITE_ADDR", "http://127.0.0.1:8081")
	coord := strings.TrimRight(mustGetenv("COORDINATOR_URL"), "/")

	peers, err := parsePeers(os.Getenv("SITE_PEERS"))
	if err != nil {
		logFatal("SITE_PEERS: %v", err)
	}
	var pushEvery time.Duration
	if v := os.Getenv("SITE_PUSH_INTERVAL"); v != "" {
		if pushEvery, err = time.ParseDuration(v); err != nil {
			logFatal("SITE_PUSH_INTERVAL: %v", err)
		}
	}

	a := newAgent(id, coord, peers)

	s := &http.Server{
		Addr:              listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("site[%s] listening on %s (public %s)", id, listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := register(ctx, coord, cluster.SiteInfo{ID: id, Addr: public}, registerAttempts, registerBackoff); err != nil {
		logFatal("failed to register with coordinator: %v", err)
	}
	if pushEvery > 0 {
		go a.push(ctx, pushEvery)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("site stopped")
}

// agent samples the local host and serves the snapshot.
type agent struct {
	cpuPercent  func(ctx context.Context) (float64, error)
	memPercent  func(ctx context.Context) (float64, error)
	probe       func(ctx context.Context, url string) (time.Duration, error)
	peers       map[cluster.SiteID]string
	log         *logx.Logger
	id          cluster.SiteID
	coordinator string
	inFlight    atomic.Int64
}

func newAgent(id cluster.SiteID, coordinator string, peers map[cluster.SiteID]string) *agent {
	return &agent{
		id:          id,
		coordinator: coordinator,
		peers:       peers,
		cpuPercent:  hostCPU,
		memPercent:  hostMemory,
		probe:       probeHealth,
		log:         logx.New("site"),
	}
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	return a.track(mux)
}

// track counts in-flight requests, reported as queue depth.
func (a *agent) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.inFlight.Add(1)
		defer a.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// sample builds a snapshot. Host metric errors fail the sample; an
// unreachable peer or coordinator is left out of the latency figures.
func (a *agent) sample(ctx context.Context) (cluster.SiteMetrics, error) {
	m := cluster.SiteMetrics{
		SiteID:    a.id,
		Timestamp: time.Now().UTC(),
	}

	var err error
	if m.CPUPercent, err = a.cpuPercent(ctx); err != nil {
		return cluster.SiteMetrics{}, fmt.Errorf("cpu: %w", err)
	}
	if m.MemoryPercent, err = a.memPercent(ctx); err != nil {
		return cluster.SiteMetrics{}, fmt.Errorf("memory: %w", err)
	}

	m.QueueDepth = int(a.inFlight.Load())

	if a.coordinator != "" {
		if rtt, err := a.probe(ctx, a.coordinator); err == nil {
			m.LatencyMS = millis(rtt)
		} else {
			a.log.Debugf("coordinator probe failed: %v", err)
		}
	}

	if len(a.peers) > 0 {
		var mu sync.Mutex
		var wg sync.WaitGroup
		m.InterSiteLatencyMS = make(map[cluster.SiteID]float64, len(a.peers))
		for peer, url := range a.peers {
			wg.Add(1)
			go func(peer cluster.SiteID, url string) {
				defer wg.Done()
				rtt, err := a.probe(ctx, url)
				if err != nil {
					a.log.Debugf("peer %s probe failed: %v", peer, err)
					return
				}
				mu.Lock()
				m.InterSiteLatencyMS[peer] = millis(rtt)
				mu.Unlock()
			}(peer, url)
		}
		wg.Wait()
	}
	return m, nil
}

func (a *agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
	defer cancel()

	m, err := a.sample(ctx)
	if err != nil {
		a.log.Errorf("sample failed: %v", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	// Not counting this request.
	if m.QueueDepth > 0 {
		m.QueueDepth--
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m)
}

// push sends a sample to the coordinator's /samples every interval until
// ctx is done.
func (a *agent) push(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.pushOnce(ctx); err != nil {
				a.log.Warnf("push failed: %v", err)
			}
		}
	}
}

func (a *agent) pushOnce(ctx context.Context) error {
	m, err := a.sample(ctx)
	if err != nil {
		return err
	}
	var d cluster.SwarmDecision
	if err := cluster.PostJSON(ctx, a.coordinator+"/samples", m, &d); err != nil {
		return err
	}
	if d.ID != "" {
		a.log.Infof("breach offloaded to %s (decision %s, confidence %.2f)", d.SelectedSite, d.ID, d.Confidence)
	}
	return nil
}

// register announces the site to the coordinator, retrying to ride out
// coordinator startup.
func register(ctx context.Context, coord string, info cluster.SiteInfo, attempts int, backoff time.Duration) error {
	body := cluster.RegisterRequest{Site: info}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return nil
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// parsePeers reads "MEC_B=http://b:8081,MEC_C=http://c:8081".
func parsePeers(v string) (map[cluster.SiteID]string, error) {
	peers := make(map[cluster.SiteID]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("malformed peer %q, want id=url", pair)
		}
		peers[cluster.SiteID(id)] = strings.TrimRight(url, "/")
	}
	return peers, nil
}

func hostCPU(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, fmt.Errorf("no cpu sample")
	}
	return pct[0], nil
}

func hostMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// probeHealth times a GET of <base>/health.
func probeHealth(ctx context.Context, base string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
