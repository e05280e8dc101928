package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/edgeswarm/internal/cluster"
	"github.com/dreamware/edgeswarm/internal/logx"
)

// Executor enacts a decision: routes traffic or scales workloads toward the
// selected site. Failures are reported but never unwind the decision.
type Executor interface {
	ApplyDecision(ctx context.Context, d cluster.SwarmDecision) error
}

// LogExecutor only records decisions. It is the default when no external
// executor is configured.
type LogExecutor struct {
	log *logx.Logger
}

// NewLogExecutor creates a logging executor.
func NewLogExecutor() *LogExecutor {
	return &LogExecutor{log: logx.New("executor")}
}

func (e *LogExecutor) ApplyDecision(_ context.Context, d cluster.SwarmDecision) error {
	e.log.Infof("redirect %s -> %s (confidence %.3f, fallbacks %v)", d.SourceSite, d.SelectedSite, d.Confidence, d.Fallbacks)
	return nil
}

// HTTPExecutor posts each decision as JSON to an external routing service
// at POST <url>/decisions.
type HTTPExecutor struct {
	url string
}

// NewHTTPExecutor creates an executor for the service at url.
func NewHTTPExecutor(url string) *HTTPExecutor {
	return &HTTPExecutor{url: strings.TrimRight(url, "/")}
}

func (e *HTTPExecutor) ApplyDecision(ctx context.Context, d cluster.SwarmDecision) error {
	if err := cluster.PostJSON(ctx, e.url+"/decisions", d, nil); err != nil {
		return fmt.Errorf("apply decision %s: %w", d.ID, err)
	}
	return nil
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d cluster.SwarmDecision) error

func (f ExecutorFunc) ApplyDecision(ctx context.Context, d cluster.SwarmDecision) error {
	return f(ctx, d)
}
