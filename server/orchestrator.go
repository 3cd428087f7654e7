// Package server hosts the orchestrator facade and its HTTP transport.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
	"github.com/modelgrid/conductor/config"
	"github.com/modelgrid/conductor/cost"
	"github.com/modelgrid/conductor/metrics"
	"github.com/modelgrid/conductor/monitoring"
	"github.com/modelgrid/conductor/probe"
	"github.com/modelgrid/conductor/queue"
	"github.com/modelgrid/conductor/registry"
	"github.com/modelgrid/conductor/routing"
	"github.com/modelgrid/conductor/state"
)

// Orchestrator is the public routing surface. All shared mutable state lives
// behind the cache store, the metrics accumulator, and the per-provider
// locks; the facade itself is stateless apart from the background loops.
type Orchestrator struct {
	registry  *registry.Registry
	store     state.CacheStore
	prober    *probe.Prober
	engine    *routing.Engine
	scheduler *queue.Scheduler
	locks     *queue.ProviderLocks
	metrics   *metrics.Accumulator
	exporter  *monitoring.Exporter
	config    *config.Config
	clock     clock.Clock
	logger    *zap.SugaredLogger

	stopMonitor func()
	stopOnce    sync.Once
}

// BatchResult pairs one batch entry with its outcome. Exactly one of
// Decision and Err is set.
type BatchResult struct {
	Decision *conductor.RoutingDecision
	Err      error
}

func NewOrchestrator(
	cfg *config.Config,
	store state.CacheStore,
	prober *probe.Prober,
	billing cost.Source,
	exporter *monitoring.Exporter,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return newOrchestratorWithClock(cfg, store, prober, billing, exporter, clock.New(), logger)
}

func newOrchestratorWithClock(
	cfg *config.Config,
	store state.CacheStore,
	prober *probe.Prober,
	billing cost.Source,
	exporter *monitoring.Exporter,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Orchestrator {
	o := &Orchestrator{
		registry: registry.New(cfg.Providers),
		store:    store,
		prober:   prober,
		locks:    queue.NewProviderLocks(),
		metrics:  metrics.New(cfg.MetricsWindow),
		exporter: exporter,
		config:   cfg,
		clock:    clk,
		logger:   logger,
	}

	estimator := cost.NewEstimator(billing)
	o.engine = routing.NewEngine(o.registry, store, o.metrics, estimator, routing.Options{
		Weights: routing.Weights{
			SuccessRate: cfg.Weights.SuccessRate,
			Latency:     cfg.Weights.Latency,
			Cost:        cfg.Weights.Cost,
			Priority:    cfg.Weights.Priority,
		},
		StaleAfter: 2 * cfg.StatusTTL,
		DefaultETA: cfg.DefaultETA,
		Reprobe:    o.refreshProviderByID,
		Clock:      clk,
	}, logger)

	o.scheduler = queue.NewScheduler(queue.Config{
		Capacity: cfg.QueueCapacity,
		Workers:  cfg.QueueWorkers,
		Deadline: cfg.RequestDeadline,
		Clock:    clk,
	}, logger)

	o.stopMonitor = o.startHealthLoop(cfg.HealthInterval)
	return o
}

// Close stops the background loops and the scheduler workers.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		o.stopMonitor()
		o.scheduler.Close()
	})
}

// Engine exposes the routing engine for inspection.
func (o *Orchestrator) Engine() *routing.Engine {
	return o.engine
}

// RouteRequest resolves a provider for one request. Cache hits return
// immediately without touching the queue; misses are scheduled as a routing
// computation and the result is cached for the routing TTL.
func (o *Orchestrator) RouteRequest(ctx context.Context, request *conductor.RouteRequest) (*conductor.RoutingDecision, error) {
	start := o.clock.Now()
	fingerprint := request.Fingerprint()

	if decision := o.loadDecision(ctx, fingerprint); decision != nil {
		o.exporter.RecordCacheOp("routing", true)
		o.exporter.RecordRoute("cache_hit", decision.SelectedProvider, o.clock.Since(start))
		return decision, nil
	}
	o.exporter.RecordCacheOp("routing", false)

	decision, err := o.scheduler.Enqueue(ctx, request.Priority, func(taskCtx context.Context) (*conductor.RoutingDecision, error) {
		d, err := o.engine.SelectProvider(taskCtx, request)
		if err != nil {
			return nil, err
		}
		o.storeDecision(taskCtx, fingerprint, d)
		return d, nil
	})
	o.exporter.SetQueueSize(o.scheduler.Size())

	if err != nil {
		o.metrics.RecordRouteFailure()
		o.exporter.RecordRoute(errorResult(err), "", o.clock.Since(start))
		return nil, err
	}

	// The full system records the real provider call here; this core records
	// the dispatch with the decision's estimate.
	o.metrics.RecordOutcome(decision.SelectedProvider, decision.EstimatedTimeMs, true)
	o.storeMetrics(ctx, decision.SelectedProvider)
	o.exporter.RecordRoute("routed", decision.SelectedProvider, o.clock.Since(start))
	return decision, nil
}

// RouteBatch fans requests out concurrently. Results keep the input order
// and one failing entry never affects the others.
func (o *Orchestrator) RouteBatch(ctx context.Context, requests []*conductor.RouteRequest) []BatchResult {
	results := make([]BatchResult, len(requests))
	var wg sync.WaitGroup
	wg.Add(len(requests))
	for i, request := range requests {
		go func(i int, request *conductor.RouteRequest) {
			defer wg.Done()
			decision, err := o.RouteRequest(ctx, request)
			results[i] = BatchResult{Decision: decision, Err: err}
		}(i, request)
	}
	wg.Wait()
	return results
}

// GetProviderStatus returns the cached status for a provider, probing live
// on a miss.
func (o *Orchestrator) GetProviderStatus(ctx context.Context, providerID string) (*conductor.ProviderStatus, error) {
	provider, err := o.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	data, err := o.store.Get(ctx, state.StatusKey(providerID))
	if err == nil && data != nil {
		var status conductor.ProviderStatus
		if err := json.Unmarshal(data, &status); err == nil {
			o.exporter.RecordCacheOp("status", true)
			return &status, nil
		}
	}
	o.exporter.RecordCacheOp("status", false)

	status := o.refreshProvider(ctx, provider)
	return &status, nil
}

// GetAllProvidersStatus probes every active provider in parallel under a
// shared deadline. A hung probe degrades that one provider to unknown
// without delaying the rest.
func (o *Orchestrator) GetAllProvidersStatus(ctx context.Context) []conductor.ProviderStatus {
	providers := o.registry.ListActive()
	results := make([]conductor.ProviderStatus, len(providers))

	// Probe goroutines never touch results directly; outcomes flow through
	// the channel so a straggler cannot race a caller that already got the
	// slice back.
	type probeResult struct {
		index  int
		status conductor.ProviderStatus
		ok     bool
	}
	done := make(chan probeResult, len(providers))

	for i, provider := range providers {
		// Fill a pessimistic default first; a probe that outlives the shared
		// deadline leaves it in place.
		results[i] = conductor.ProviderStatus{
			ProviderID:  provider.ID,
			Status:      conductor.StatusUnknown,
			LastChecked: o.clock.Now(),
			Message:     "probe exceeded shared deadline",
		}
		go func(i int, provider *conductor.Provider) {
			status, err := o.GetProviderStatus(ctx, provider.ID)
			if err != nil {
				done <- probeResult{index: i}
				return
			}
			done <- probeResult{index: i, status: *status, ok: true}
		}(i, provider)
	}

	// Shared bound: probe timeout, retry backoff, and scheduling slack.
	timer := o.clock.Timer(2*o.config.ProbeTimeout + 2*time.Second)
	defer timer.Stop()

	remaining := len(providers)
	for remaining > 0 {
		select {
		case result := <-done:
			if result.ok {
				results[result.index] = result.status
			}
			remaining--
		case <-timer.C:
			o.logger.Warnw("Provider status fan-out hit shared deadline", "pending", remaining)
			return results
		case <-ctx.Done():
			return results
		}
	}
	return results
}

// GetStats returns the process-wide counters plus the live queue size.
func (o *Orchestrator) GetStats() conductor.GlobalStats {
	stats := o.metrics.GlobalSnapshot()
	stats.QueueSize = o.scheduler.Size()
	return stats
}

// ResetStats clears the global counters and rolling windows. Admin only.
func (o *Orchestrator) ResetStats() {
	o.metrics.Reset()
	o.logger.Infow("Statistics reset")
}

// ClearCache drops all routing decisions, provider statuses, and cached
// metrics. The provider registry is untouched.
func (o *Orchestrator) ClearCache(ctx context.Context) (int, error) {
	total := 0
	for _, prefix := range []string{state.RoutingPrefix(), state.StatusPrefix(), state.MetricsPrefix()} {
		count, err := o.store.ClearPattern(ctx, prefix)
		total += count
		if err != nil {
			return total, err
		}
	}
	o.logger.Infow("Cache cleared", "entries", total)
	return total, nil
}

// DeactivateProvider removes a provider from routing and drops its cached
// status so it cannot be selected from stale data.
func (o *Orchestrator) DeactivateProvider(ctx context.Context, providerID string) error {
	if err := o.registry.Deactivate(providerID); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, state.StatusKey(providerID)); err != nil {
		o.logger.Warnw("Failed to drop cached status", "provider", providerID, "error", err)
	}
	o.exporter.SetActiveProviders(len(o.registry.ListActive()))
	o.logger.Infow("Provider deactivated", "provider", providerID)
	return nil
}

// refreshProvider probes one provider under its lock and refreshes the
// cached status. Probes for one provider are strictly serialized; different
// providers proceed in parallel.
func (o *Orchestrator) refreshProvider(ctx context.Context, provider *conductor.Provider) conductor.ProviderStatus {
	unlock := o.locks.Lock(provider.ID)
	defer unlock()

	status := o.prober.Check(ctx, provider)

	// Observed traffic is a better rate signal than a single probe, but a
	// failed probe always wins: down is down regardless of history.
	if perf := o.metrics.Snapshot(provider.ID); perf.TotalRequests > 0 && status.Status != conductor.StatusDown {
		status.SuccessRate = perf.SuccessRate
		status.ErrorRate = perf.ErrorRate
	}

	o.exporter.RecordProbe(provider.ID, string(status.Status))
	o.storeStatus(ctx, status)
	return status
}

func (o *Orchestrator) refreshProviderByID(providerID string) {
	provider, err := o.registry.Get(providerID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*o.config.ProbeTimeout+time.Second)
	defer cancel()
	o.refreshProvider(ctx, provider)
}

func (o *Orchestrator) startHealthLoop(interval time.Duration) func() {
	ticker := o.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				o.refreshAll()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func (o *Orchestrator) refreshAll() {
	providers := o.registry.ListActive()
	o.exporter.SetActiveProviders(len(providers))

	var wg sync.WaitGroup
	wg.Add(len(providers))
	for _, provider := range providers {
		go func(provider *conductor.Provider) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*o.config.ProbeTimeout+time.Second)
			defer cancel()
			o.refreshProvider(ctx, provider)
			o.storeMetrics(ctx, provider.ID)
		}(provider)
	}
	wg.Wait()
	o.exporter.SetQueueSize(o.scheduler.Size())
}

// Cache writes are best effort: failures are logged and swallowed because
// every read path recomputes on a miss.

func (o *Orchestrator) loadDecision(ctx context.Context, fingerprint string) *conductor.RoutingDecision {
	data, err := o.store.Get(ctx, state.RoutingKey(fingerprint))
	if err != nil || data == nil {
		return nil
	}
	var decision conductor.RoutingDecision
	if err := json.Unmarshal(data, &decision); err != nil {
		o.logger.Warnw("Corrupt routing cache entry", "fingerprint", fingerprint, "error", err)
		return nil
	}
	return &decision
}

func (o *Orchestrator) storeDecision(ctx context.Context, fingerprint string, decision *conductor.RoutingDecision) {
	data, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := o.store.Set(ctx, state.RoutingKey(fingerprint), data, o.config.RoutingTTL); err != nil {
		o.logger.Warnw("Failed to cache routing decision", "fingerprint", fingerprint, "error", err)
	}
}

func (o *Orchestrator) storeStatus(ctx context.Context, status conductor.ProviderStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := o.store.Set(ctx, state.StatusKey(status.ProviderID), data, o.config.StatusTTL); err != nil {
		o.logger.Warnw("Failed to cache provider status", "provider", status.ProviderID, "error", err)
	}
}

func (o *Orchestrator) storeMetrics(ctx context.Context, providerID string) {
	perf := o.metrics.Snapshot(providerID)
	data, err := json.Marshal(perf)
	if err != nil {
		return
	}
	if err := o.store.Set(ctx, state.MetricsKey(providerID), data, o.config.MetricsTTL); err != nil {
		o.logger.Warnw("Failed to cache provider metrics", "provider", providerID, "error", err)
	}
}

func errorResult(err error) string {
	var re *conductor.RoutingError
	if errors.As(err, &re) {
		return string(re.Kind)
	}
	return "error"
}
