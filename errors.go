package conductor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies routing failures so callers can decide whether to
// retry, fall back, or surface the error.
type ErrorKind string

const (
	// ErrKindNoProvider means no active provider supports the requested
	// model. Permanent until configuration changes.
	ErrKindNoProvider ErrorKind = "no_provider_available"

	// ErrKindAllDown means every candidate is currently unhealthy. Transient.
	ErrKindAllDown ErrorKind = "all_providers_down"

	// ErrKindQueueFull is the backpressure signal: the routing queue is at
	// capacity and the request was rejected rather than buffered.
	ErrKindQueueFull ErrorKind = "queue_full"

	// ErrKindTimeout means a routing request exceeded its deadline while
	// queued or in flight.
	ErrKindTimeout ErrorKind = "timeout"
)

// ErrProviderNotFound is returned by the registry for unknown provider ids.
var ErrProviderNotFound = errors.New("provider not found")

// RoutingError is the structured failure returned to routeRequest callers.
// Considered carries the last-known status of every provider that was
// evaluated, so the caller can make an informed fallback decision.
type RoutingError struct {
	Kind       ErrorKind
	Model      string
	Considered []ProviderStatus
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed (%s) for model %q: %d providers considered", e.Kind, e.Model, len(e.Considered))
}

// IsRoutingError extracts a RoutingError of the given kind from err.
func IsRoutingError(err error, kind ErrorKind) bool {
	var re *RoutingError
	return errors.As(err, &re) && re.Kind == kind
}
