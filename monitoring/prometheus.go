// Package monitoring exposes the orchestrator's operational counters to
// Prometheus.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Exporter struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	routesTotal     *prometheus.CounterVec
	routeDuration   *prometheus.HistogramVec
	cacheOpsTotal   *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
	queueSize       prometheus.Gauge
	activeProviders prometheus.Gauge
}

func NewExporter(logger *zap.SugaredLogger) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		logger:   logger,
		routesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Name:      "routes_total",
				Help:      "Routing requests by outcome",
			},
			[]string{"result", "provider"},
		),
		routeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conductor",
				Name:      "route_duration_seconds",
				Help:      "End-to-end routing decision latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		cacheOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Name:      "cache_ops_total",
				Help:      "Cache lookups by namespace and outcome",
			},
			[]string{"namespace", "outcome"},
		),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conductor",
				Name:      "probes_total",
				Help:      "Health probes by resulting status",
			},
			[]string{"provider", "status"},
		),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_size",
			Help:      "Pending routing requests",
		}),
		activeProviders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "active_providers",
			Help:      "Providers currently active in the registry",
		}),
	}

	registry.MustRegister(
		e.routesTotal,
		e.routeDuration,
		e.cacheOpsTotal,
		e.probesTotal,
		e.queueSize,
		e.activeProviders,
	)
	return e
}

func (e *Exporter) RecordRoute(result string, provider string, duration time.Duration) {
	e.routesTotal.WithLabelValues(result, provider).Inc()
	e.routeDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (e *Exporter) RecordCacheOp(namespace string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	e.cacheOpsTotal.WithLabelValues(namespace, outcome).Inc()
}

func (e *Exporter) RecordProbe(provider string, status string) {
	e.probesTotal.WithLabelValues(provider, status).Inc()
}

func (e *Exporter) SetQueueSize(size int) {
	e.queueSize.Set(float64(size))
}

func (e *Exporter) SetActiveProviders(count int) {
	e.activeProviders.Set(float64(count))
}

// Handler serves the /metrics scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
