package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache store method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records cache store lookups.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records cache store writes.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationDelete records whole-generation deletions.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the result of a cache store operation.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CacheStored  CacheResult = "stored"
	CacheDeleted CacheResult = "deleted"
	CacheError   CacheResult = "error"
)

// NetworkResult captures the result of a single network attempt.
type NetworkResult string

const (
	NetworkSuccess NetworkResult = "success"
	NetworkError   NetworkResult = "error"
)

// Recorder publishes Prometheus metrics for the cache engine. A nil Recorder
// is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	networkAttempts *prometheus.CounterVec
	precacheAssets  *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwacache",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by resource class, strategy and response source.",
	}, []string{"class", "strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pwacache",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwacache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the strategies and lifecycle.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pwacache",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	networkAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwacache",
		Subsystem: "network",
		Name:      "attempts_total",
		Help:      "Individual network attempts made by fetch-with-retry.",
	}, []string{"result"})

	precacheAssets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwacache",
		Subsystem: "precache",
		Name:      "assets_total",
		Help:      "Manifest assets processed during install.",
	}, []string{"result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwacache",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions of cache generations.",
	}, []string{"state"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency, networkAttempts, precacheAssets, lifecycle)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		networkAttempts: networkAttempts,
		precacheAssets:  precacheAssets,
		lifecycle:       lifecycle,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// ObserveFetch records a completed intercepted request.
func (r *Recorder) ObserveFetch(class, strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "error"
	}
	r.fetchRequests.WithLabelValues(classLabel, normalizeLabel(strategy), sourceLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(classLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheError)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveNetworkAttempt records one round trip made by the fetcher.
func (r *Recorder) ObserveNetworkAttempt(result NetworkResult) {
	if r == nil {
		return
	}
	r.networkAttempts.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObservePrecache records a manifest asset processed during install.
func (r *Recorder) ObservePrecache(ok bool) {
	if r == nil {
		return
	}
	result := "stored"
	if !ok {
		result = "failed"
	}
	r.precacheAssets.WithLabelValues(result).Inc()
}

// ObserveLifecycle records a generation entering the given state.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
