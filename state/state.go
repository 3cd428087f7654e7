// Package state provides the shared key/value cache behind the orchestrator.
// Every read has a computed fallback, so losing an entry is always safe.
package state

import (
	"context"
	"time"
)

// Key namespaces. Callers must build keys through these helpers so
// ClearPattern can target one namespace at a time.
const (
	statusPrefix  = "provider:status:"
	metricsPrefix = "provider:metrics:"
	routingPrefix = "routing:"
)

func StatusKey(providerID string) string   { return statusPrefix + providerID }
func MetricsKey(providerID string) string  { return metricsPrefix + providerID }
func RoutingKey(fingerprint string) string { return routingPrefix + fingerprint }

func StatusPrefix() string  { return statusPrefix }
func MetricsPrefix() string { return metricsPrefix }
func RoutingPrefix() string { return routingPrefix }

type CacheStore interface {
	// Get loads the value for a key. A miss returns (nil, nil).
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ClearPattern removes every key under the given prefix and returns the
	// number of removed entries.
	ClearPattern(ctx context.Context, prefix string) (int, error)
}
