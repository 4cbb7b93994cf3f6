// Package metrics provides Prometheus instrumentation for the proxy's HTTP
// surface, provider dispatch, credential pool health, and store connection
// pool, all under one namespace-scoped Collector.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus vector this proxy exports, grouped by
// the subsystem that records them.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	credentialBackoffTransitions *prometheus.CounterVec
	credentialsEligible          *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector registers every metric under namespace and returns the
// collector ready to record against.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests by method, path and status class"},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_size_bytes", Help: "HTTP request size in bytes", Buckets: prometheus.ExponentialBuckets(100, 10, 8)},
		[]string{"method", "path"},
	)
	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_response_size_bytes", Help: "HTTP response size in bytes", Buckets: prometheus.ExponentialBuckets(100, 10, 8)},
		[]string{"method", "path"},
	)

	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_requests_total", Help: "Total upstream provider dispatches by provider, model and status class"},
		[]string{"provider", "model", "status"},
	)
	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "provider_request_duration_seconds", Help: "Upstream dispatch duration in seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}},
		[]string{"provider", "model"},
	)
	c.providerTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_tokens_total", Help: "Total tokens accounted per provider, model and kind"},
		[]string{"provider", "model", "kind"}, // kind: prompt, completion
	)

	c.credentialBackoffTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "credential_backoff_transitions_total", Help: "Total credential failure classifications by provider and resulting backoff level"},
		[]string{"provider", "backoff_level"},
	)
	c.credentialsEligible = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "credentials_eligible", Help: "Number of currently eligible (active, not rate-limited) credentials per provider"},
		[]string{"provider"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_hits_total", Help: "Total cache hits by cache type"},
		[]string{"cache_type"},
	)
	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_misses_total", Help: "Total cache misses by cache type"},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "db_connections_open", Help: "Open database connections"},
		[]string{"database"},
	)
	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "db_connections_idle", Help: "Idle database connections"},
		[]string{"database"},
	)
	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "db_query_duration_seconds", Help: "Database query duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one inbound request against the router.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordProviderRequest records one upstream dispatch outcome, called from
// internal/pipeline.recordUsage alongside the store's usage row.
func (c *Collector) RecordProviderRequest(provider, model string, statusCode int, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, statusClass(statusCode)).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.providerTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.providerTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordCredentialBackoff records a credential's failure classification
// moving it to a new backoff level (spec §4.3).
func (c *Collector) RecordCredentialBackoff(provider string, backoffLevel int) {
	c.credentialBackoffTransitions.WithLabelValues(provider, backoffLevelLabel(backoffLevel)).Inc()
}

// SetCredentialsEligible reports the current eligible-credential count for
// a provider, sampled periodically by the caller.
func (c *Collector) SetCredentialsEligible(provider string, count int) {
	c.credentialsEligible.WithLabelValues(provider).Set(float64(count))
}

// RecordCacheHit records a cache hit for cacheType (e.g. "idempotency").
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss for cacheType.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections reports the current open/idle connection counts.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery records one query's duration.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func backoffLevelLabel(level int) string {
	switch {
	case level <= 0:
		return "0"
	case level == 1:
		return "1"
	case level == 2:
		return "2"
	default:
		return "3+"
	}
}
