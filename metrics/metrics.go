// Package metrics keeps rolling per-provider performance data and the
// process-wide request counters.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	conductor "github.com/modelgrid/conductor"
)

type sample struct {
	latencyMs int64
	success   bool
	at        time.Time
}

// providerWindow is a fixed-size ring of the most recent outcomes for one
// provider. Bounds memory regardless of traffic volume.
type providerWindow struct {
	mutex   sync.Mutex
	samples []sample
	next    int
	total   int64
}

// Accumulator records request outcomes. Concurrent RecordOutcome calls are
// safe: global counters are atomic and each provider window has its own lock.
type Accumulator struct {
	mutex     sync.RWMutex
	providers map[string]*providerWindow

	windowSize int
	clock      clock.Clock

	totalRequests       atomic.Int64
	successfulRequests  atomic.Int64
	failedRequests      atomic.Int64
	totalResponseTimeMs atomic.Int64
}

func New(windowSize int) *Accumulator {
	return newWithClock(windowSize, clock.New())
}

func newWithClock(windowSize int, clk clock.Clock) *Accumulator {
	return &Accumulator{
		providers:  make(map[string]*providerWindow),
		windowSize: windowSize,
		clock:      clk,
	}
}

// RecordOutcome adds one completed routing+delivery cycle to the rolling
// window and to the global counters.
func (a *Accumulator) RecordOutcome(providerID string, latencyMs int64, success bool) {
	a.totalRequests.Add(1)
	a.totalResponseTimeMs.Add(latencyMs)
	if success {
		a.successfulRequests.Add(1)
	} else {
		a.failedRequests.Add(1)
	}

	window := a.window(providerID)
	window.mutex.Lock()
	defer window.mutex.Unlock()

	s := sample{latencyMs: latencyMs, success: success, at: a.clock.Now()}
	if len(window.samples) < a.windowSize {
		window.samples = append(window.samples, s)
	} else {
		window.samples[window.next] = s
		window.next = (window.next + 1) % a.windowSize
	}
	window.total++
}

// RecordRouteFailure counts a routing request that failed before any
// provider was selected, so it lands in the global counters only.
func (a *Accumulator) RecordRouteFailure() {
	a.totalRequests.Add(1)
	a.failedRequests.Add(1)
}

// Snapshot returns the rolling metrics for one provider. A provider with no
// recorded outcomes yields a zero-valued snapshot.
func (a *Accumulator) Snapshot(providerID string) conductor.PerformanceMetrics {
	a.mutex.RLock()
	window, ok := a.providers[providerID]
	a.mutex.RUnlock()

	result := conductor.PerformanceMetrics{ProviderID: providerID}
	if !ok {
		return result
	}

	window.mutex.Lock()
	defer window.mutex.Unlock()

	if len(window.samples) == 0 {
		return result
	}

	hourAgo := a.clock.Now().Add(-time.Hour)
	var latencySum int64
	var successes, lastHour int
	for _, s := range window.samples {
		latencySum += s.latencyMs
		if s.success {
			successes++
		}
		if s.at.After(hourAgo) {
			lastHour++
		}
	}

	count := len(window.samples)
	result.AverageResponseTimeMs = float64(latencySum) / float64(count)
	result.SuccessRate = float64(successes) / float64(count)
	result.ErrorRate = float64(count-successes) / float64(count)
	result.TotalRequests = window.total
	result.LastHourRequests = int64(lastHour)
	return result
}

// GlobalSnapshot returns the process-wide counters. QueueSize is owned by the
// scheduler and filled in by the caller.
func (a *Accumulator) GlobalSnapshot() conductor.GlobalStats {
	return conductor.GlobalStats{
		TotalRequests:       a.totalRequests.Load(),
		SuccessfulRequests:  a.successfulRequests.Load(),
		FailedRequests:      a.failedRequests.Load(),
		TotalResponseTimeMs: a.totalResponseTimeMs.Load(),
	}
}

// Reset clears all counters and windows. Admin-only; never called implicitly.
func (a *Accumulator) Reset() {
	a.mutex.Lock()
	a.providers = make(map[string]*providerWindow)
	a.mutex.Unlock()

	a.totalRequests.Store(0)
	a.successfulRequests.Store(0)
	a.failedRequests.Store(0)
	a.totalResponseTimeMs.Store(0)
}

func (a *Accumulator) window(providerID string) *providerWindow {
	a.mutex.RLock()
	window, ok := a.providers[providerID]
	a.mutex.RUnlock()
	if ok {
		return window
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if window, ok = a.providers[providerID]; ok {
		return window
	}
	window = &providerWindow{samples: make([]sample, 0, a.windowSize)}
	a.providers[providerID] = window
	return window
}
