// Package routing selects the upstream provider for a request from cached
// health and performance data.
package routing

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
	"github.com/modelgrid/conductor/cost"
	"github.com/modelgrid/conductor/metrics"
	"github.com/modelgrid/conductor/registry"
	"github.com/modelgrid/conductor/state"
)

// Normalization ceilings for score components. Latencies and costs above
// these clamp to a zero component score.
const (
	maxLatencyMs = 5000.0
	maxCost      = 1.0
	maxPriority  = 10.0
)

// Score components for providers with no data yet. Neutral, so unknown
// providers are neither preferred nor excluded.
const neutralScore = 0.5

// Weights is the normalized scoring configuration.
type Weights struct {
	SuccessRate float64
	Latency     float64
	Cost        float64
	Priority    float64
}

// Normalize scales the weights so the positive components sum to one.
func (w Weights) Normalize() Weights {
	total := w.SuccessRate + w.Latency + w.Cost + w.Priority
	if total <= 0 {
		return Weights{SuccessRate: 0.4, Latency: 0.3, Cost: 0.2, Priority: 0.1}
	}
	return Weights{
		SuccessRate: w.SuccessRate / total,
		Latency:     w.Latency / total,
		Cost:        w.Cost / total,
		Priority:    w.Priority / total,
	}
}

// ReprobeFunc asks for an asynchronous health re-check of a provider whose
// cached status is missing or stale.
type ReprobeFunc func(providerID string)

type Engine struct {
	registry  *registry.Registry
	store     state.CacheStore
	metrics   *metrics.Accumulator
	estimator *cost.Estimator
	weights   Weights
	reprobe   ReprobeFunc

	// Cached status older than this is treated as unknown.
	staleAfter time.Duration

	// Estimated response time when no performance data exists yet.
	defaultETA time.Duration

	clock  clock.Clock
	logger *zap.SugaredLogger

	invocations atomic.Int64
}

type Options struct {
	Weights    Weights
	StaleAfter time.Duration
	DefaultETA time.Duration
	Reprobe    ReprobeFunc
	Clock      clock.Clock
}

func NewEngine(
	reg *registry.Registry,
	store state.CacheStore,
	accumulator *metrics.Accumulator,
	estimator *cost.Estimator,
	opts Options,
	logger *zap.SugaredLogger,
) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	defaultETA := opts.DefaultETA
	if defaultETA <= 0 {
		defaultETA = 1500 * time.Millisecond
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Engine{
		registry:   reg,
		store:      store,
		metrics:    accumulator,
		estimator:  estimator,
		weights:    opts.Weights.Normalize(),
		reprobe:    opts.Reprobe,
		staleAfter: staleAfter,
		defaultETA: defaultETA,
		clock:      clk,
		logger:     logger,
	}
}

// Invocations returns how many selection computations have run. Cache hits
// on the facade do not reach the engine, so this also measures cache misses.
func (e *Engine) Invocations() int64 {
	return e.invocations.Load()
}

type candidate struct {
	provider *conductor.Provider
	status   conductor.ProviderStatus
	perf     conductor.PerformanceMetrics
	score    float64
	cost     float64
	etaMs    int64
}

// SelectProvider picks the best provider for the request. For a fixed set of
// status and metrics snapshots the result is fully deterministic.
func (e *Engine) SelectProvider(ctx context.Context, request *conductor.RouteRequest) (*conductor.RoutingDecision, error) {
	e.invocations.Add(1)

	candidates := e.collectCandidates(ctx, request)
	if len(candidates) == 0 {
		return nil, &conductor.RoutingError{Kind: conductor.ErrKindNoProvider, Model: request.Model}
	}

	considered := make([]conductor.ProviderStatus, 0, len(candidates))
	healthy := candidates[:0]
	for _, c := range candidates {
		considered = append(considered, c.status)
		if c.status.Status != conductor.StatusDown {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return nil, &conductor.RoutingError{
			Kind:       conductor.ErrKindAllDown,
			Model:      request.Model,
			Considered: considered,
		}
	}

	for _, c := range healthy {
		e.scoreCandidate(ctx, c, request)
	}

	// Deterministic order: score descending, then priority ascending, then
	// id lexicographically.
	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].score != healthy[j].score {
			return healthy[i].score > healthy[j].score
		}
		if healthy[i].provider.Priority != healthy[j].provider.Priority {
			return healthy[i].provider.Priority < healthy[j].provider.Priority
		}
		return healthy[i].provider.ID < healthy[j].provider.ID
	})

	selected := healthy[0]
	alternatives := make([]string, 0, 3)
	for _, c := range healthy[1:] {
		if len(alternatives) == 3 {
			break
		}
		alternatives = append(alternatives, c.provider.ID)
	}

	decision := &conductor.RoutingDecision{
		SelectedProvider: selected.provider.ID,
		Reason: fmt.Sprintf("score %.4f, best of %d healthy candidates (%d considered)",
			selected.score, len(healthy), len(considered)),
		EstimatedCost:   selected.cost,
		EstimatedTimeMs: selected.etaMs,
		Alternatives:    alternatives,
	}

	e.logger.Debugw("Routing decision",
		"model", request.Model,
		"selected", decision.SelectedProvider,
		"score", selected.score,
		"alternatives", alternatives)
	return decision, nil
}

func (e *Engine) collectCandidates(ctx context.Context, request *conductor.RouteRequest) []*candidate {
	var candidates []*candidate
	for _, provider := range e.registry.ListActive() {
		if !provider.Supports(request.Model) {
			continue
		}
		if provider.MaxTokens > 0 && request.ExpectedTokens > provider.MaxTokens {
			continue
		}
		candidates = append(candidates, &candidate{
			provider: provider,
			status:   e.loadStatus(ctx, provider.ID),
			perf:     e.loadMetrics(ctx, provider.ID),
		})
	}
	return candidates
}

// loadStatus reads the cached probe result. A miss or a stale entry counts as
// unknown and triggers an asynchronous re-probe.
func (e *Engine) loadStatus(ctx context.Context, providerID string) conductor.ProviderStatus {
	unknown := conductor.ProviderStatus{ProviderID: providerID, Status: conductor.StatusUnknown}

	data, err := e.store.Get(ctx, state.StatusKey(providerID))
	if err != nil {
		e.logger.Warnw("Status cache read failed", "provider", providerID, "error", err)
		return unknown
	}
	if data == nil {
		e.triggerReprobe(providerID)
		return unknown
	}

	var status conductor.ProviderStatus
	if err := json.Unmarshal(data, &status); err != nil {
		e.logger.Warnw("Corrupt status cache entry", "provider", providerID, "error", err)
		return unknown
	}
	if e.clock.Now().Sub(status.LastChecked) > e.staleAfter {
		e.triggerReprobe(providerID)
		return unknown
	}
	return status
}

// loadMetrics prefers the cached snapshot, falling back to the in-process
// accumulator. Read failures yield zero metrics rather than failing routing.
func (e *Engine) loadMetrics(ctx context.Context, providerID string) conductor.PerformanceMetrics {
	data, err := e.store.Get(ctx, state.MetricsKey(providerID))
	if err == nil && data != nil {
		var perf conductor.PerformanceMetrics
		if err := json.Unmarshal(data, &perf); err == nil {
			return perf
		}
	}
	return e.metrics.Snapshot(providerID)
}

func (e *Engine) triggerReprobe(providerID string) {
	if e.reprobe != nil {
		go e.reprobe(providerID)
	}
}

func (e *Engine) scoreCandidate(ctx context.Context, c *candidate, request *conductor.RouteRequest) {
	// Error component. Metrics win over probe data; neither means neutral.
	errScore := neutralScore
	switch {
	case c.perf.TotalRequests > 0:
		errScore = 1 - c.perf.ErrorRate
	case c.status.Status != conductor.StatusUnknown:
		errScore = 1 - c.status.ErrorRate
	}

	// Latency component.
	latencyMs := c.perf.AverageResponseTimeMs
	if latencyMs == 0 && c.status.ResponseTimeMs > 0 {
		latencyMs = float64(c.status.ResponseTimeMs)
	}
	latencyScore := neutralScore
	if latencyMs > 0 {
		latencyScore = (maxLatencyMs - latencyMs) / maxLatencyMs
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	// Cost component.
	c.cost = e.estimator.Estimate(ctx, c.provider.ID, c.provider.CostPerToken, request.Model, request.ExpectedTokens)
	costScore := 1.0
	if c.cost > 0 {
		costScore = (maxCost - c.cost) / maxCost
		if costScore < 0 {
			costScore = 0
		}
	}

	// Clamp to [0, 1]: a negative priority must not turn into a score bonus.
	priorityPenalty := float64(c.provider.Priority) / maxPriority
	switch {
	case priorityPenalty > 1:
		priorityPenalty = 1
	case priorityPenalty < 0:
		priorityPenalty = 0
	}

	c.score = errScore*e.weights.SuccessRate +
		latencyScore*e.weights.Latency +
		costScore*e.weights.Cost -
		priorityPenalty*e.weights.Priority

	if latencyMs > 0 {
		c.etaMs = int64(latencyMs)
	} else {
		c.etaMs = e.defaultETA.Milliseconds()
	}

	// Degraded providers stay eligible but rank below equivalent healthy
	// ones.
	if c.status.Status == conductor.StatusDegraded {
		c.score *= 0.75
	}
}
