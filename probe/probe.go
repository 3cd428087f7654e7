// Package probe performs liveness checks against provider health endpoints.
// Probe failures are data, not errors: routing must keep going when a
// provider is unreachable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
)

// Latency above this marks an otherwise healthy provider as degraded.
const degradedAfter = 2 * time.Second

// Wait before the single retry of a failed probe.
const retryBackoff = 500 * time.Millisecond

// HTTPDoer is the transport collaborator. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Prober struct {
	client  HTTPDoer
	timeout time.Duration
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func New(client HTTPDoer, timeout time.Duration, logger *zap.SugaredLogger) *Prober {
	return newWithClock(client, timeout, clock.New(), logger)
}

func newWithClock(client HTTPDoer, timeout time.Duration, clk clock.Clock, logger *zap.SugaredLogger) *Prober {
	return &Prober{
		client:  client,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
	}
}

// Check probes the provider's health endpoint and returns its status. It
// never returns an error: timeouts and transport failures come back as
// status=down so scoring can degrade gracefully to other providers.
func (p *Prober) Check(ctx context.Context, provider *conductor.Provider) conductor.ProviderStatus {
	status, err := p.attempt(ctx, provider)
	if err == nil {
		return status
	}

	// One retry with backoff; a second failure is final.
	p.logger.Debugw("Probe failed, retrying", "provider", provider.ID, "error", err)
	select {
	case <-p.clock.After(retryBackoff):
	case <-ctx.Done():
		return p.downStatus(provider, ctx.Err())
	}

	status, err = p.attempt(ctx, provider)
	if err != nil {
		p.logger.Warnw("Probe failed", "provider", provider.ID, "error", err)
		return p.downStatus(provider, err)
	}
	return status
}

func (p *Prober) attempt(ctx context.Context, provider *conductor.Provider) (conductor.ProviderStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, provider.APIBaseURL+"/health", nil)
	if err != nil {
		return conductor.ProviderStatus{}, err
	}

	start := p.clock.Now()
	resp, err := p.client.Do(req)
	latency := p.clock.Since(start)
	if err != nil {
		return conductor.ProviderStatus{}, err
	}
	defer resp.Body.Close()

	status := conductor.ProviderStatus{
		ProviderID:     provider.ID,
		Status:         conductor.StatusOperational,
		ResponseTimeMs: latency.Milliseconds(),
		SuccessRate:    1,
		LastChecked:    p.clock.Now(),
	}

	switch {
	case resp.StatusCode >= 500:
		status.Status = conductor.StatusDown
		status.SuccessRate = 0
		status.ErrorRate = 1
		status.Message = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 || latency > degradedAfter:
		status.Status = conductor.StatusDegraded
		status.Message = fmt.Sprintf("status %d, latency %dms", resp.StatusCode, latency.Milliseconds())
	}
	return status, nil
}

func (p *Prober) downStatus(provider *conductor.Provider, err error) conductor.ProviderStatus {
	message := "probe error"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "probe timeout"
	} else if err != nil {
		message = fmt.Sprintf("probe error: %v", err)
	}
	return conductor.ProviderStatus{
		ProviderID:     provider.ID,
		Status:         conductor.StatusDown,
		ResponseTimeMs: p.timeout.Milliseconds(),
		ErrorRate:      1,
		LastChecked:    p.clock.Now(),
		Message:        message,
	}
}
