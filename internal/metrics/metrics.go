// Package metrics exports gateway events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/graphloader/internal/eventbus"
	events "github.com/hanpama/graphloader/internal/events"
)

const namespace = "graphloader"

// Collector holds the gateway's metrics. Its zero value is not usable; call
// New.
type Collector struct {
	registry *prometheus.Registry

	batchKeys       *prometheus.CounterVec
	batchFlushes    *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
	batchDuration   *prometheus.HistogramVec
	cacheFailures   *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	evicted         *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    prometheus.Histogram
	operations      *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	subgraphCalls   *prometheus.CounterVec
	subgraphLatency *prometheus.HistogramVec
	servedItems     *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry that also carries
// the Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	latency := prometheus.ExponentialBuckets(0.0005, 2, 14) // 0.5ms to ~4s

	return &Collector{
		registry: reg,
		batchKeys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loader", Name: "keys_total",
			Help: "Keys requested from the loader by outcome (hit, shared, fetched).",
		}, []string{"type", "outcome"}),
		batchFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loader", Name: "flushes_total",
			Help: "Batch flushes per key type and result.",
		}, []string{"type", "result"}),
		batchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loader", Name: "batch_size",
			Help:    "Keys passed to one batch function call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"type"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loader", Name: "flush_duration_seconds",
			Help:    "Time from dispatch until every key of a flush settled.",
			Buckets: latency,
		}, []string{"type"}),
		cacheFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "failures_total",
			Help: "Shared cache operations that failed and were treated as misses.",
		}, []string{"op"}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "invalidations_total",
			Help: "Invalidation events applied to the shared cache.",
		}, []string{"kind"}),
		evicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evicted_total",
			Help: "Entries removed by invalidation events.",
		}, []string{"kind"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by status code.",
		}, []string{"code"}),
		httpDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: latency,
		}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graphql", Name: "operations_total",
			Help: "Executed operations by type and whether they returned errors.",
		}, []string{"type", "result"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "graphql", Name: "operation_duration_seconds",
			Help:    "Operation execution latency.",
			Buckets: latency,
		}, []string{"type"}),
		subgraphCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subgraph", Name: "calls_total",
			Help: "gRPC calls to subgraphs by status code.",
		}, []string{"subgraph", "method", "code"}),
		subgraphLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "subgraph", Name: "call_duration_seconds",
			Help:    "gRPC call latency to subgraphs.",
			Buckets: latency,
		}, []string{"subgraph", "method"}),
		servedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subgraph", Name: "served_items_total",
			Help: "Representations and root calls answered by this process.",
		}, []string{"subgraph", "method", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Subscribe records events published on the global event bus.
func (c *Collector) Subscribe() (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.BatchFlush) {
			c.batchKeys.WithLabelValues(e.Type, "hit").Add(float64(e.CacheHits))
			c.batchKeys.WithLabelValues(e.Type, "shared").Add(float64(e.Shared))
			c.batchKeys.WithLabelValues(e.Type, "fetched").Add(float64(e.Fetched))
			c.batchFlushes.WithLabelValues(e.Type, result(e.Err != nil)).Inc()
			if e.Fetched > 0 {
				c.batchSize.WithLabelValues(e.Type).Observe(float64(e.Fetched))
			}
			c.batchDuration.WithLabelValues(e.Type).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheFailure) {
			c.cacheFailures.WithLabelValues(e.Op).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Invalidated) {
			c.invalidations.WithLabelValues(e.Kind).Inc()
			c.evicted.WithLabelValues(e.Kind).Add(float64(e.Removed))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			c.httpRequests.WithLabelValues(strconv.Itoa(e.Status)).Inc()
			c.httpDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.QueryFinish) {
			c.operations.WithLabelValues(e.OperationType, result(len(e.Errors) > 0)).Inc()
			c.opDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.GRPCClientFinish) {
			c.subgraphCalls.WithLabelValues(e.Service, e.Method, e.Code.String()).Inc()
			c.subgraphLatency.WithLabelValues(e.Service, e.Method).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.GRPCServerFinish) {
			c.servedItems.WithLabelValues(e.Service, e.Method, e.Code.String()).Add(float64(e.Items))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func result(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
