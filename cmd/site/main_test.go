package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/edgeswarm/internal/cluster"
)

func stubAgent(coordinator string, peers map[cluster.SiteID]string) *agent {
	a := newAgent("MEC_A", coordinator, peers)
	a.cpuPercent = func(context.Context) (float64, error) { return 42.5, nil }
	a.memPercent = func(context.Context) (float64, error) { return 61, nil }
	return a
}

func TestGetenv(t *testing.T) {
	t.Setenv("SITE_TEST_SET", "value")
	t.Setenv("SITE_TEST_EMPTY", "")

	assert.Equal(t, "value", getenv("SITE_TEST_SET", "default"))
	assert.Equal(t, "default", getenv("SITE_TEST_EMPTY", "default"))
}

func TestMustGetenv(t *testing.T) {
	t.Setenv("SITE_TEST_ID", "MEC_A")
	assert.Equal(t, "MEC_A", mustGetenv("SITE_TEST_ID"))

	var fatal string
	orig := logFatal
	logFatal = func(format string, args ...any) { fatal = fmt.Sprintf(format, args...) }
	defer func() { logFatal = orig }()

	t.Setenv("SITE_TEST_MISSING", "")
	assert.Equal(t, "", mustGetenv("SITE_TEST_MISSING"))
	assert.Equal(t, "missing env SITE_TEST_MISSING", fatal)
}

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[cluster.SiteID]string
		wantErr bool
	}{
		{name: "empty", in: "", want: map[cluster.SiteID]string{}},
		{
			name: "two peers",
			in:   "MEC_B=http://b:8081/, MEC_C=http://c:8081",
			want: map[cluster.SiteID]string{"MEC_B": "http://b:8081", "MEC_C": "http://c:8081"},
		},
		{name: "missing url", in: "MEC_B=", wantErr: true},
		{name: "no separator", in: "MEC_B", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePeers(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHealthServesSnapshot verifies /health reports host metrics and the
// measured latencies.
func TestHealthServesSnapshot(t *testing.T) {
	okServer := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
	}
	coord := okServer()
	defer coord.Close()
	peer := okServer()
	defer peer.Close()

	a := stubAgent(coord.URL, map[cluster.SiteID]string{
		"MEC_B": peer.URL,
		"MEC_C": "http://127.0.0.1:1",
	})

	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var m cluster.SiteMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, cluster.SiteID("MEC_A"), m.SiteID)
	assert.Equal(t, 42.5, m.CPUPercent)
	assert.Equal(t, 61.0, m.MemoryPercent)
	assert.Equal(t, 0, m.QueueDepth)
	assert.Greater(t, m.LatencyMS, 0.0)
	assert.Contains(t, m.InterSiteLatencyMS, cluster.SiteID("MEC_B"))
	assert.NotContains(t, m.InterSiteLatencyMS, cluster.SiteID("MEC_C"), "unreachable peers are left out")
	assert.False(t, m.Timestamp.IsZero())
}

func TestHealthFailsWithoutHostMetrics(t *testing.T) {
	a := stubAgent("", nil)
	a.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("no /proc") }

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestQueueDepthCountsInFlight verifies concurrent requests show up as
// queue depth.
func TestQueueDepthCountsInFlight(t *testing.T) {
	a := stubAgent("", nil)
	release := make(chan struct{})
	started := make(chan struct{})
	slow := a.track(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))

	go slow.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/work", nil))
	<-started
	defer close(release)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var m cluster.SiteMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.Equal(t, 1, m.QueueDepth)
}

func TestRegister(t *testing.T) {
	var attempts atomic.Int32
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req cluster.RegisterRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, cluster.SiteInfo{ID: "MEC_A", Addr: "http://a:8081"}, req.Site)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	err := register(context.Background(), coord.URL, cluster.SiteInfo{ID: "MEC_A", Addr: "http://a:8081"}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRegisterGivesUp(t *testing.T) {
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer coord.Close()

	err := register(context.Background(), coord.URL, cluster.SiteInfo{ID: "MEC_A", Addr: "a"}, 2, time.Millisecond)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = register(ctx, coord.URL, cluster.SiteInfo{ID: "MEC_A", Addr: "a"}, 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPushOnce(t *testing.T) {
	var got atomic.Value
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/samples":
			var m cluster.SiteMetrics
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			got.Store(m)
			if m.CPUPercent > 90 {
				_ = json.NewEncoder(w).Encode(cluster.SwarmDecision{ID: "d-1", SelectedSite: "MEC_B"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer coord.Close()

	a := stubAgent(coord.URL, nil)
	require.NoError(t, a.pushOnce(context.Background()))
	require.NotNil(t, got.Load())
	assert.Equal(t, cluster.SiteID("MEC_A"), got.Load().(cluster.SiteMetrics).SiteID)

	a.cpuPercent = func(context.Context) (float64, error) { return 95, nil }
	require.NoError(t, a.pushOnce(context.Background()))
	assert.Equal(t, 95.0, got.Load().(cluster.SiteMetrics).CPUPercent)
}
