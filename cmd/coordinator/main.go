package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"

	"github.com/dreamware/edgeswarm/internal/agents"
	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/config"
	"github.com/dreamware/edgeswarm/internal/consensus"
	"github.com/dreamware/edgeswarm/internal/decisionlog"
	"github.com/dreamware/edgeswarm/internal/health"
	"github.com/dreamware/edgeswarm/internal/logx"
	"github.com/dreamware/edgeswarm/internal/site"
	"github.com/dreamware/edgeswarm/internal/swarm"
	"github.com/dreamware/edgeswarm/internal/threshold"
	"github.com/dreamware/edgeswarm/internal/tuning"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logx.EnableDebug(cfg.Debug)

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.poller.Start(ctx, srv.siteList)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s (profile %s)", cfg.Addr, cfg.Profile)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	srv.poller.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := srv.close(); err != nil {
		log.Printf("close decision log: %v", err)
	}
	log.Println("coordinator stopped")
}

type server struct {
	registry *site.Registry
	poller   *health.Poller
	coord    *swarm.Coordinator
	dlog     decisionlog.Log
	advisor  *tuning.Advisor
	log      *logx.Logger
	sites    []cluster.SiteInfo
	mu       sync.RWMutex
}

// newServer wires every component from cfg. Static sites from the
// configuration are registered up front; more arrive through /register.
func newServer(cfg config.Config) (*server, error) {
	registry := site.NewRegistry(
		site.WithFailureThreshold(cfg.Circuit.FailureThreshold),
		site.WithCoolDown(cfg.Circuit.CoolDown),
	)
	holder := threshold.NewHolder(cfg.Thresholds)

	participants, err := agents.Build(cfg.Participants, holder)
	if err != nil {
		return nil, err
	}
	pool, err := consensus.NewPool(participants...)
	if err != nil {
		return nil, err
	}
	engine, err := consensus.NewEngine(pool, registry, cfg.Consensus)
	if err != nil {
		return nil, err
	}

	dlog, err := decisionlog.Open(cfg.DecisionLogPath)
	if err != nil {
		return nil, err
	}

	var exec swarm.Executor = swarm.NewLogExecutor()
	if cfg.ExecutorURL != "" {
		exec = swarm.NewHTTPExecutor(cfg.ExecutorURL)
	}

	coord := swarm.NewCoordinator(engine, threshold.NewMonitor(), holder, dlog, exec)
	coord.SetDegradedInterval(cfg.Health.Interval)
	registry.SetOnTransition(coord.OnTransition)

	s := &server{
		registry: registry,
		coord:    coord,
		dlog:     dlog,
		advisor:  tuning.NewAdvisor(dlog, cfg.Tuning),
		log:      logx.New("coordinator"),
	}

	s.poller = health.NewPoller(cfg.Health.Interval, registry)
	s.poller.SetTimeout(cfg.Health.Timeout)
	s.poller.SetOnMetrics(s.observe)

	for _, info := range cfg.Sites {
		s.addSite(info)
	}
	return s, nil
}

func (s *server) close() error {
	return s.dlog.Close()
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/samples", s.handleSample)
	mux.HandleFunc("/health-checks", s.handleHealthCheck)
	mux.HandleFunc("/breaches", s.handleBreach)
	mux.HandleFunc("/sites", s.handleListSites)
	mux.HandleFunc("/sites/", s.handleGetSite)
	mux.HandleFunc("/decisions", s.handleDecisions)
	mux.HandleFunc("/decisions/stats", s.handleDecisionStats)
	mux.HandleFunc("/degraded", s.handleDegraded)
	mux.HandleFunc("/thresholds", s.handleThresholds)
	mux.HandleFunc("/thresholds/proposal", s.handleProposal)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// siteList returns a copy of the registered sites for the poller.
func (s *server) siteList() []cluster.SiteInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.SiteInfo(nil), s.sites...)
}

// addSite registers info, replacing the address of a known site.
func (s *server) addSite(info cluster.SiteInfo) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.sites, func(n cluster.SiteInfo) bool { return n.ID == info.ID })
	if idx >= 0 {
		s.sites[idx] = info
	} else {
		s.sites = append(s.sites, info)
	}
	s.mu.Unlock()
	s.registry.Register(info.ID)
}

// observe feeds a polled snapshot through threshold evaluation.
func (s *server) observe(ctx context.Context, m cluster.SiteMetrics) {
	event, _, err := s.coord.Observe(ctx, m)
	if err != nil {
		if event != nil {
			s.log.Warnf("breach %s unresolved: %v", event.EventID(), err)
			return
		}
		s.log.Warnf("sample from site %s rejected: %v", m.SiteID, err)
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Site.ID == "" || req.Site.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	s.addSite(req.Site)
	w.WriteHeader(http.StatusNoContent)
}

// handleSample evaluates a pushed metric snapshot. A new breach is handled
// synchronously and its decision returned.
func (s *server) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var m cluster.SiteMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	// A client disconnect must not abandon the round: the breach would be
	// lost to the monitor.
	event, decision, err := s.coord.Observe(context.WithoutCancel(r.Context()), m)
	if err != nil {
		writeError(w, err)
		return
	}
	if event == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rep cluster.HealthCheckReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if rep.SiteID == "" {
		writeError(w, &cluster.ValidationError{Field: "site_id", Reason: "must not be empty"})
		return
	}

	var m cluster.SiteMetrics
	if rep.Metrics != nil {
		m = rep.Metrics.Clone()
		if m.SiteID == "" {
			m.SiteID = rep.SiteID
		}
		if err := threshold.ValidateMetrics(m); err != nil {
			writeError(w, err)
			return
		}
	}
	s.registry.RecordHealthCheck(rep.SiteID, rep.Success, m)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBreach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var event cluster.ThresholdEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	decision, err := s.coord.HandleBreach(context.WithoutCancel(r.Context()), event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *server) handleListSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Sites []cluster.SiteHealthState `json:"sites"`
	}{Sites: s.registry.Snapshot()})
}

func (s *server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sites/")
	if id == "" {
		http.Error(w, "site id required", http.StatusBadRequest)
		return
	}
	st, err := s.registry.GetState(cluster.SiteID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDecisions queries the decision log.
//
// Query parameters: event, site, kind, since and until (RFC 3339), limit.
func (s *server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.dlog.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []decisionlog.Entry `json:"entries"`
		Count   int                 `json:"count"`
	}{Entries: entries, Count: len(entries)})
}

func parseFilter(r *http.Request) (decisionlog.Filter, error) {
	q := r.URL.Query()
	f := decisionlog.Filter{
		EventID: q.Get("event"),
		SiteID:  cluster.SiteID(q.Get("site")),
		Kind:    decisionlog.Kind(q.Get("kind")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return f, &cluster.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &cluster.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, &cluster.ValidationError{Field: name, Reason: "must be an RFC 3339 timestamp"}
			}
			*dst = t
		}
	}
	return f, nil
}

func (s *server) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.dlog.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleDegraded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Sites []swarm.DegradedSignal `json:"sites"`
	}{Sites: s.coord.Degraded()})
}

// handleThresholds reads (GET) or replaces (PUT) the live thresholds. A PUT
// body is applied on top of the current values.
func (s *server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.coord.Thresholds())
	case http.MethodPut:
		cfg := s.coord.Thresholds()
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := s.coord.SetThresholds(cfg); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.coord.Thresholds())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := s.advisor.Propose(r.Context(), s.coord.Thresholds())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// errorBody is returned for every failed request. Degraded is set when a
// round failed and the site should fall back to device-only processing.
type errorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := cluster.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case cluster.KindValidation:
		status = http.StatusBadRequest
	case cluster.KindNotFound:
		status = http.StatusNotFound
	case cluster.KindNoQuorum, cluster.KindNoCandidates:
		status = http.StatusServiceUnavailable
	case cluster.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{
		Error:    err.Error(),
		Kind:     kind,
		Degraded: cluster.IsRoundFailure(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
