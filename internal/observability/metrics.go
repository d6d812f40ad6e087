package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/oasa-bus-tracker/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (browser polling storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Cache reads should stay in the low milliseconds.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OASA telematics call rate by action and outcome.
	ProviderCallsTotal *prometheus.CounterVec

	// OASA latency per call. Watch for: p95 approaching the provider timeout.
	ProviderDuration *prometheus.HistogramVec

	// Retry attempts against OASA. High retries = unstable upstream.
	ProviderRetriesTotal *prometheus.CounterVec

	// Refresh cycles by result (success, failure).
	RefreshCyclesTotal *prometheus.CounterVec

	// Wall time of a refresh cycle, discovery through publish.
	RefreshDuration prometheus.Histogram

	// Isolated failures inside the join, by provider operation and error category.
	JoinErrorsTotal *prometheus.CounterVec

	// Size of the currently published snapshot.
	SnapshotStops prometheus.Gauge
	SnapshotBuses prometheus.Gauge

	// Snapshot mirror store operations (get, set) by result.
	StoreOperationsTotal *prometheus.CounterVec

	// Live route detail lookups served via coalescing (waited on another caller's request).
	RouteDetailCoalescedTotal prometheus.Counter

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half_open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// In-flight requests observed when shutdown began.
	ShutdownInFlight prometheus.Gauge

	snapshotAgeOnce     sync.Once
	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerCallsTotal",
			Help: "Total number of OASA telematics API calls",
		},
		[]string{"op", "status"},
	)
	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "providerDurationSeconds",
			Help:    "OASA telematics API latency in seconds (per call)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "status"},
	)
	ProviderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "providerRetriesTotal",
			Help: "Total number of retry attempts for OASA telematics calls",
		},
		[]string{"op"},
	)
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshCyclesTotal",
			Help: "Refresh cycles by result",
		},
		[]string{"result"},
	)
	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Duration of a refresh cycle in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40},
		},
	)
	JoinErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joinErrorsTotal",
			Help: "Provider failures isolated during the bus data join",
		},
		[]string{"op", "category"},
	)
	SnapshotStops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotStops",
			Help: "Stops in the published snapshot",
		},
	)
	SnapshotBuses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotBuses",
			Help: "Bus sightings in the published snapshot",
		},
	)
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeOperationsTotal",
			Help: "Snapshot mirror store operations by operation and result",
		},
		[]string{"operation", "result"},
	)
	RouteDetailCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "routeDetailCoalescedTotal",
			Help: "Route detail lookups that shared an in-flight upstream request",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	ShutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ProviderCallsTotal, ProviderDuration, ProviderRetriesTotal,
		RefreshCyclesTotal, RefreshDuration, JoinErrorsTotal,
		SnapshotStops, SnapshotBuses,
		StoreOperationsTotal,
		RouteDetailCoalescedTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		ShutdownInFlight,
	)
}

// RegisterSnapshotAgeGauge exposes the age of the published snapshot.
// lastUpdate returns the zero time until the first publish.
func RegisterSnapshotAgeGauge(lastUpdate func() time.Time) {
	snapshotAgeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "snapshotAgeSeconds",
				Help: "Seconds since the published snapshot was built; -1 before the first refresh",
			},
			func() float64 {
				t := lastUpdate()
				if t.IsZero() {
					return -1
				}
				return time.Since(t).Seconds()
			},
		))
	})
}

// RegisterRateLimitGauges registers sliding-window load and reject gauges for the /api path.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "refreshFailuresInWindow",
					Help: "Failed refresh cycles in sliding window",
				},
				func() float64 {
					failed, _ := traffic.ErrorRate(window)
					return float64(failed)
				},
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a state change for component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge publishes the numeric state for component.
func SetCircuitBreakerStateGauge(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordShutdownInFlight records how many requests were still running at shutdown.
func RecordShutdownInFlight(n int64) {
	ShutdownInFlight.Set(float64(n))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
