package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runtimeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	tickDurationBuckets    = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Trigger metrics
	TriggerFiresTotal *prometheus.CounterVec
	TriggerSkipsTotal *prometheus.CounterVec

	// SLA metrics
	SLAWarningsTotal   *prometheus.CounterVec
	SLABreachesTotal   *prometheus.CounterVec
	SLATickDuration    prometheus.Histogram
	SLATickErrorsTotal prometheus.Counter
	SLATickInstances   prometheus.Histogram

	// Task metrics
	TaskTransitionsTotal *prometheus.CounterVec

	// Decision metrics
	DecisionEvaluationsTotal *prometheus.CounterVec

	// Runtime port metrics
	RuntimeRequestsTotal       *prometheus.CounterVec
	RuntimeRequestDuration     *prometheus.HistogramVec
	RuntimeCircuitBreakerState prometheus.Gauge
	RuntimeRetriesTotal        *prometheus.CounterVec

	// System metrics
	ScheduleShards        *prometheus.GaugeVec
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Triggers
		TriggerFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_trigger_fires_total",
			Help: "Total number of trigger dispatch attempts.",
		}, []string{"type", "status"}),
		TriggerSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_trigger_skips_total",
			Help: "Total number of matching triggers not dispatched.",
		}, []string{"reason"}),

		// SLA
		SLAWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_sla_warnings_total",
			Help: "Total number of SLA warning events.",
		}, []string{"clock"}),
		SLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_sla_breaches_total",
			Help: "Total number of SLA breach events.",
		}, []string{"clock"}),
		SLATickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowcore_sla_tick_duration_seconds",
			Help:    "Duration of one workspace SLA tick in seconds.",
			Buckets: tickDurationBuckets,
		}),
		SLATickErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowcore_sla_tick_errors_total",
			Help: "Total number of SLA instances that failed to process during a tick.",
		}),
		SLATickInstances: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowcore_sla_tick_instances",
			Help:    "Number of SLA instances recomputed per workspace tick.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		}),

		// Tasks
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_task_transitions_total",
			Help: "Total number of task operations by outcome.",
		}, []string{"operation", "status"}),

		// Decisions
		DecisionEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_decision_evaluations_total",
			Help: "Total number of decision table evaluations.",
		}, []string{"hit_policy", "status"}),

		// Runtime
		RuntimeRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_runtime_requests_total",
			Help: "Total number of process runtime requests.",
		}, []string{"operation", "status"}),
		RuntimeRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_runtime_request_duration_seconds",
			Help:    "Process runtime request duration in seconds.",
			Buckets: runtimeDurationBuckets,
		}, []string{"operation"}),
		RuntimeCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_runtime_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		RuntimeRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_runtime_retries_total",
			Help: "Total number of process runtime request retries.",
		}, []string{"operation"}),

		// System
		ScheduleShards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_schedule_shards",
			Help: "Number of shards with a running periodic loop.",
		}, []string{"loop"}),
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_definitions_loaded",
			Help: "Number of loaded decision tables and SLA definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Triggers
		m.TriggerFiresTotal,
		m.TriggerSkipsTotal,
		// SLA
		m.SLAWarningsTotal,
		m.SLABreachesTotal,
		m.SLATickDuration,
		m.SLATickErrorsTotal,
		m.SLATickInstances,
		// Tasks
		m.TaskTransitionsTotal,
		// Decisions
		m.DecisionEvaluationsTotal,
		// Runtime
		m.RuntimeRequestsTotal,
		m.RuntimeRequestDuration,
		m.RuntimeCircuitBreakerState,
		m.RuntimeRetriesTotal,
		// System
		m.ScheduleShards,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTriggerFire records a trigger dispatch attempt. Status is "ok" or an
// error code.
func (m *Metrics) RecordTriggerFire(triggerType, status string) {
	if m == nil {
		return
	}
	m.TriggerFiresTotal.WithLabelValues(triggerType, status).Inc()
}

// RecordTriggerSkip records a matching trigger that was not dispatched, for
// example because of a causation cycle.
func (m *Metrics) RecordTriggerSkip(reason string) {
	if m == nil {
		return
	}
	m.TriggerSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordSLAWarning records an SLA warning event.
func (m *Metrics) RecordSLAWarning(clock string) {
	if m == nil {
		return
	}
	m.SLAWarningsTotal.WithLabelValues(clock).Inc()
}

// RecordSLABreach records an SLA breach event.
func (m *Metrics) RecordSLABreach(clock string) {
	if m == nil {
		return
	}
	m.SLABreachesTotal.WithLabelValues(clock).Inc()
}

// RecordSLATick records one completed workspace tick.
func (m *Metrics) RecordSLATick(duration time.Duration, instances, failures int) {
	if m == nil {
		return
	}
	m.SLATickDuration.Observe(duration.Seconds())
	m.SLATickInstances.Observe(float64(instances))
	m.SLATickErrorsTotal.Add(float64(failures))
}

// RecordTaskOperation records a task operation outcome.
func (m *Metrics) RecordTaskOperation(operation, status string) {
	if m == nil {
		return
	}
	m.TaskTransitionsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDecisionEvaluation records a decision table evaluation.
func (m *Metrics) RecordDecisionEvaluation(hitPolicy, status string) {
	if m == nil {
		return
	}
	m.DecisionEvaluationsTotal.WithLabelValues(hitPolicy, status).Inc()
}

// RecordRuntimeRequest records a process runtime request.
func (m *Metrics) RecordRuntimeRequest(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RuntimeRequestsTotal.WithLabelValues(operation, status).Inc()
	m.RuntimeRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetRuntimeCircuitBreakerState sets the runtime circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetRuntimeCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.RuntimeCircuitBreakerState.Set(state)
}

// RecordRuntimeRetry records a process runtime request retry.
func (m *Metrics) RecordRuntimeRetry(operation string) {
	if m == nil {
		return
	}
	m.RuntimeRetriesTotal.WithLabelValues(operation).Inc()
}

// SetScheduleShards sets the number of running shard loops for a named loop.
func (m *Metrics) SetScheduleShards(loop string, count int) {
	if m == nil {
		return
	}
	m.ScheduleShards.WithLabelValues(loop).Set(float64(count))
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
