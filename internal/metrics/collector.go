// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records engine metrics. Each registry owns one collector bound
// to its own prometheus.Registerer, so two registries in one process never
// collide on metric registration.
type Collector struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	tokensUsed         *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	streamChunks       *prometheus.CounterVec
	streamsTotal       *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. A nil reg falls
// back to the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Provider request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried provider calls",
		},
		[]string{"provider"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
		[]string{"provider"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
		[]string{"provider"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)

	c.streamChunks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total number of stream chunks delivered",
		},
		[]string{"provider"},
	)

	c.streamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of streaming calls by terminal state",
		},
		[]string{"provider", "state"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRequest records one completed chat call.
func (c *Collector) RecordRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.requestsTotal.WithLabelValues(provider, model, status).Inc()
	c.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRetries records retries spent on one call.
func (c *Collector) RecordRetries(provider string, retries int) {
	if retries > 0 {
		c.retriesTotal.WithLabelValues(provider).Add(float64(retries))
	}
}

// RecordCacheHit records a response cache hit.
func (c *Collector) RecordCacheHit(provider string) {
	c.cacheHits.WithLabelValues(provider).Inc()
}

// RecordCacheMiss records a response cache miss.
func (c *Collector) RecordCacheMiss(provider string) {
	c.cacheMisses.WithLabelValues(provider).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (c *Collector) RecordBreakerTransition(provider, fromState, toState string) {
	c.breakerTransitions.WithLabelValues(provider, fromState, toState).Inc()
}

// RecordStreamChunk records one delivered stream chunk.
func (c *Collector) RecordStreamChunk(provider string) {
	c.streamChunks.WithLabelValues(provider).Inc()
}

// RecordStreamEnd records the terminal state of one stream.
func (c *Collector) RecordStreamEnd(provider, state string) {
	c.streamsTotal.WithLabelValues(provider, state).Inc()
}
