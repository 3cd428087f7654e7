package conductor

import (
	"time"
)

// HealthState describes the last observed health of a provider.
type HealthState string

const (
	StatusOperational HealthState = "operational"
	StatusDegraded    HealthState = "degraded"
	StatusDown        HealthState = "down"

	// StatusUnknown means no probe data is available yet. Scoring treats it
	// as neutral rather than excluding the provider.
	StatusUnknown HealthState = "unknown"
)

// Provider is a registry entry for an upstream AI vendor. Entries are created
// from configuration at startup and never deleted at runtime; the only
// mutation is the administrative deactivate path on the registry.
type Provider struct {
	// Unique identifier. E.g., "openai"
	ID string `yaml:"id" json:"id"`

	// Human-readable name. E.g., "OpenAI"
	Name string `yaml:"name" json:"name"`

	// Base URL of the provider API. Health probes hit {base_url}/health.
	// E.g., "https://api.openai.com/v1"
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`

	// Models this provider can serve. E.g., {"gpt-4o", "gpt-4o-mini"}
	SupportedModels []string `yaml:"supported_models" json:"supported_models"`

	// Price per token in USD. E.g., 0.00002
	CostPerToken float64 `yaml:"cost_per_token" json:"cost_per_token"`

	// Maximum tokens per request the provider accepts.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Routing tie-break priority. Lower is preferred.
	Priority int `yaml:"priority" json:"priority"`

	IsActive bool `yaml:"is_active" json:"is_active"`
}

// Supports reports whether the provider serves the given model.
func (p *Provider) Supports(model string) bool {
	for _, m := range p.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// ProviderStatus is the cached output of a health probe.
// Invariant: SuccessRate + ErrorRate <= 1; the remainder is unknown/timeout.
type ProviderStatus struct {
	ProviderID     string      `json:"provider_id"`
	Status         HealthState `json:"status"`
	ResponseTimeMs int64       `json:"response_time_ms"`
	SuccessRate    float64     `json:"success_rate"`
	ErrorRate      float64     `json:"error_rate"`
	LastChecked    time.Time   `json:"last_checked"`
	Message        string      `json:"message,omitempty"`
}

// Available reports whether routing may select this provider.
func (s *ProviderStatus) Available() bool {
	return s.Status != StatusDown
}

// PerformanceMetrics is a per-provider rolling window of observed outcomes.
// Used as a fallback scoring signal when ProviderStatus is stale.
type PerformanceMetrics struct {
	ProviderID            string  `json:"provider_id"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	SuccessRate           float64 `json:"success_rate"`
	ErrorRate             float64 `json:"error_rate"`
	TotalRequests         int64   `json:"total_requests"`
	LastHourRequests      int64   `json:"last_hour_requests"`
}

// GlobalStats are process-wide counters. Lifetime equals the process; reset
// only through the explicit admin operation.
type GlobalStats struct {
	TotalRequests       int64 `json:"total_requests"`
	SuccessfulRequests  int64 `json:"successful_requests"`
	FailedRequests      int64 `json:"failed_requests"`
	TotalResponseTimeMs int64 `json:"total_response_time_ms"`
	QueueSize           int   `json:"queue_size"`
}

// RouteRequest is one routing request as received from the transport layer.
type RouteRequest struct {
	UserID         string `json:"user_id,omitempty"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ExpectedTokens int    `json:"expected_tokens"`

	// Scheduling priority. Higher drains first; ties are FIFO.
	Priority int `json:"priority,omitempty"`
}

// RoutingDecision is the cached output of one routing computation, keyed by
// the request fingerprint.
type RoutingDecision struct {
	SelectedProvider string `json:"selected_provider"`
	Reason           string `json:"reason"`
	EstimatedCost    float64 `json:"estimated_cost"`
	EstimatedTimeMs  int64   `json:"estimated_time_ms"`

	// Fallback candidates ranked by score, capped to the top 3.
	Alternatives []string `json:"alternatives"`
}
