package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
	"github.com/modelgrid/conductor/config"
	"github.com/modelgrid/conductor/monitoring"
	"github.com/modelgrid/conductor/probe"
	"github.com/modelgrid/conductor/state"
)

// fakeBackend answers health probes by host. A host listed in hung blocks
// until the test releases it; a host with a delay answers on its own timer,
// simulating a slow upstream nobody is coordinating with.
type fakeBackend struct {
	mu      sync.Mutex
	codes   map[string]int
	hung    map[string]bool
	delays  map[string]time.Duration
	calls   map[string]int
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		codes:   make(map[string]int),
		hung:    make(map[string]bool),
		delays:  make(map[string]time.Duration),
		calls:   make(map[string]int),
		release: make(chan struct{}),
	}
}

func (f *fakeBackend) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	f.mu.Lock()
	f.calls[host]++
	code, ok := f.codes[host]
	hung := f.hung[host]
	delay := f.delays[host]
	f.mu.Unlock()

	if hung {
		<-f.release
		return nil, io.ErrUnexpectedEOF
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		code = http.StatusOK
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func (f *fakeBackend) callCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func testProviders() []*conductor.Provider {
	return []*conductor.Provider{
		{
			ID: "openai", Name: "OpenAI", APIBaseURL: "http://openai.test",
			SupportedModels: []string{"gpt-4o"}, CostPerToken: 0.00002,
			MaxTokens: 8192, Priority: 1, IsActive: true,
		},
		{
			ID: "mistral", Name: "Mistral", APIBaseURL: "http://mistral.test",
			SupportedModels: []string{"gpt-4o", "mistral-large"}, CostPerToken: 0.00003,
			MaxTokens: 8192, Priority: 2, IsActive: true,
		},
		{
			ID: "cohere", Name: "Cohere", APIBaseURL: "http://cohere.test",
			SupportedModels: []string{"command-r"}, CostPerToken: 0.00001,
			MaxTokens: 4096, Priority: 1, IsActive: true,
		},
	}
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend) (*Orchestrator, *state.MemoryStore) {
	t.Helper()

	cfg := config.Default()
	cfg.Providers = testProviders()
	cfg.HealthInterval = time.Hour
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.QueueWorkers = 2
	cfg.RequestDeadline = 2 * time.Second

	store, cleanup := state.NewMemoryStore(1 << 20)
	t.Cleanup(cleanup)

	logger := zap.NewNop().Sugar()
	prober := probe.New(backend, cfg.ProbeTimeout, logger)
	o := NewOrchestrator(cfg, store, prober, nil, monitoring.NewExporter(logger), logger)
	t.Cleanup(o.Close)
	return o, store
}

func seedStatus(t *testing.T, store state.CacheStore, status conductor.ProviderStatus) {
	t.Helper()
	status.LastChecked = time.Now()
	data, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), state.StatusKey(status.ProviderID), data, time.Hour))
}

func TestRouteRequestUsesCache(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeBackend())
	ctx := context.Background()

	request := &conductor.RouteRequest{Model: "gpt-4o", Prompt: "summarize this", ExpectedTokens: 500}
	first, err := o.RouteRequest(ctx, request)
	require.NoError(t, err)
	require.NotEmpty(t, first.SelectedProvider)
	assert.Equal(t, int64(1), o.Engine().Invocations())

	// Identical request again: served from the decision cache, the engine is
	// not consulted a second time.
	second, err := o.RouteRequest(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), o.Engine().Invocations())

	// A different model misses the cache and computes fresh.
	_, err = o.RouteRequest(ctx, &conductor.RouteRequest{Model: "mistral-large", Prompt: "x", ExpectedTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Engine().Invocations())
}

func TestRouteRequestNoProvider(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeBackend())

	_, err := o.RouteRequest(context.Background(), &conductor.RouteRequest{Model: "claude-3-opus", Prompt: "x"})
	assert.True(t, conductor.IsRoutingError(err, conductor.ErrKindNoProvider))

	stats := o.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestRouteBatch(t *testing.T) {
	o, store := newTestOrchestrator(t, newFakeBackend())
	ctx := context.Background()

	// command-r is served only by cohere, which is down.
	seedStatus(t, store, conductor.ProviderStatus{
		ProviderID: "cohere", Status: conductor.StatusDown, ErrorRate: 1,
	})

	results := o.RouteBatch(ctx, []*conductor.RouteRequest{
		{Model: "gpt-4o", Prompt: "a", ExpectedTokens: 100},
		{Model: "command-r", Prompt: "b", ExpectedTokens: 100},
		{Model: "mistral-large", Prompt: "c", ExpectedTokens: 100},
	})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Decision.SelectedProvider)

	// The failing entry keeps its position and does not poison its neighbors.
	assert.True(t, conductor.IsRoutingError(results[1].Err, conductor.ErrKindAllDown))
	assert.Nil(t, results[1].Decision)

	require.NoError(t, results[2].Err)
	assert.Equal(t, "mistral", results[2].Decision.SelectedProvider)
}

func TestGetProviderStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.codes["mistral.test"] = http.StatusInternalServerError
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	t.Run("unknown provider", func(t *testing.T) {
		_, err := o.GetProviderStatus(ctx, "nonexistent")
		assert.ErrorIs(t, err, conductor.ErrProviderNotFound)
	})

	t.Run("live probe on miss, cache on repeat", func(t *testing.T) {
		status, err := o.GetProviderStatus(ctx, "openai")
		require.NoError(t, err)
		assert.Equal(t, conductor.StatusOperational, status.Status)
		assert.Equal(t, 1, backend.callCount("openai.test"))

		again, err := o.GetProviderStatus(ctx, "openai")
		require.NoError(t, err)
		assert.Equal(t, conductor.StatusOperational, again.Status)
		assert.Equal(t, 1, backend.callCount("openai.test"))
	})

	t.Run("server errors mark the provider down", func(t *testing.T) {
		status, err := o.GetProviderStatus(ctx, "mistral")
		require.NoError(t, err)
		assert.Equal(t, conductor.StatusDown, status.Status)
	})
}

func TestGetAllProvidersStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.hung["cohere.test"] = true
	o, _ := newTestOrchestrator(t, backend)
	t.Cleanup(func() { close(backend.release) })

	start := time.Now()
	statuses := o.GetAllProvidersStatus(context.Background())
	elapsed := time.Since(start)

	// Shared bound: the hung provider must not stall the fan-out past it.
	assert.Less(t, elapsed, 4*time.Second)
	require.Len(t, statuses, 3)

	byID := make(map[string]conductor.ProviderStatus, len(statuses))
	for _, s := range statuses {
		byID[s.ProviderID] = s
	}
	assert.Equal(t, conductor.StatusOperational, byID["openai"].Status)
	assert.Equal(t, conductor.StatusOperational, byID["mistral"].Status)
	assert.Equal(t, conductor.StatusUnknown, byID["cohere"].Status)
	assert.Contains(t, byID["cohere"].Message, "deadline")
}

func TestGetAllProvidersStatusSlowProvider(t *testing.T) {
	// The slow provider answers on its own timer after the shared deadline,
	// so its goroutine is still finishing while the caller holds the slice.
	backend := newFakeBackend()
	backend.delays["cohere.test"] = 3 * time.Second
	o, _ := newTestOrchestrator(t, backend)

	start := time.Now()
	statuses := o.GetAllProvidersStatus(context.Background())
	assert.Less(t, time.Since(start), 2900*time.Millisecond)
	require.Len(t, statuses, 3)

	// Read every entry while the straggler is still in flight; the slice must
	// be safe to consume the moment the call returns.
	byID := make(map[string]conductor.ProviderStatus, len(statuses))
	for _, s := range statuses {
		byID[s.ProviderID] = s
	}
	assert.Equal(t, conductor.StatusOperational, byID["openai"].Status)
	assert.Equal(t, conductor.StatusOperational, byID["mistral"].Status)
	assert.Equal(t, conductor.StatusUnknown, byID["cohere"].Status)
	assert.Contains(t, byID["cohere"].Message, "deadline")
}

func TestClearCache(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeBackend())
	ctx := context.Background()

	request := &conductor.RouteRequest{Model: "gpt-4o", Prompt: "hello", ExpectedTokens: 200}
	_, err := o.RouteRequest(ctx, request)
	require.NoError(t, err)
	require.Equal(t, int64(1), o.Engine().Invocations())

	count, err := o.ClearCache(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)

	// With the decision gone the same request recomputes.
	_, err = o.RouteRequest(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Engine().Invocations())
}

func TestDeactivateProvider(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeBackend())
	ctx := context.Background()

	assert.ErrorIs(t, o.DeactivateProvider(ctx, "nonexistent"), conductor.ErrProviderNotFound)

	require.NoError(t, o.DeactivateProvider(ctx, "cohere"))
	_, err := o.RouteRequest(ctx, &conductor.RouteRequest{Model: "command-r", Prompt: "x"})
	assert.True(t, conductor.IsRoutingError(err, conductor.ErrKindNoProvider))
}

func TestStatsLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeBackend())
	ctx := context.Background()

	_, err := o.RouteRequest(ctx, &conductor.RouteRequest{Model: "gpt-4o", Prompt: "hi", ExpectedTokens: 50})
	require.NoError(t, err)

	stats := o.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Zero(t, stats.QueueSize)

	o.ResetStats()
	reset := o.GetStats()
	assert.Zero(t, reset.TotalRequests)
	assert.Zero(t, reset.SuccessfulRequests)
}
