// Package metrics exposes Prometheus collectors for the pipeline, the
// cleanup verifier, the HTTP API and outgoing rule engine calls.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/pkg/types"
)

const namespace = "cohortflow"

// Metrics owns a registry and every collector registered in it. Each
// process builds one; tests build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	cleanupChecked  prometheus.Counter
	cleanupVerified prometheus.Counter
	cleanupOverdue  prometheus.Gauge
	cleanupHeld     prometheus.Gauge
	verifyErrors    prometheus.Counter
	lastVerify      prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	clientInFlight *prometheus.GaugeVec
	clientRequests *prometheus.CounterVec
	clientDuration *prometheus.HistogramVec
}

// New creates a registry with the process and Go collectors plus the
// cohortflow collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock time of stage executions, by stage and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"stage", "outcome"}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_executions_total",
			Help:      "Stage executions, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_transitions_total",
			Help:      "Run state transitions, by source and target state.",
		}, []string{"from", "to"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Scheduled stage retries, by the stage that failed.",
		}, []string{"stage"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),

		cleanupChecked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cleanup_checked_total",
			Help:      "Pending cleanup entries examined by the verifier.",
		}),
		cleanupVerified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cleanup_verified_total",
			Help:      "Scratch files confirmed absent by the verifier.",
		}),
		cleanupOverdue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cleanup_overdue",
			Help:      "Cleanup entries past their deadline in the last verifier pass.",
		}),
		cleanupHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cleanup_held",
			Help:      "Cleanup entries under an integrity hold in the last verifier pass.",
		}),
		verifyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "verify_errors_total",
			Help:      "Entries the verifier could not check.",
		}),
		lastVerify: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "last_verify_timestamp_seconds",
			Help:      "Unix time of the last verifier pass.",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),

		clientInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_client_in_flight_requests",
			Help:      "In-flight requests made against an HTTP API, by client.",
		}, []string{"client"}),
		clientRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_client_requests_total",
			Help:      "Requests made against an HTTP API, by client, status code and method.",
		}, []string{"client", "code", "method"}),
		clientDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "Request timing against an HTTP API, by client and method.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.1, 1, 10, 30, 60, 300},
		}, []string{"client", "method"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StageFinished records one stage execution.
func (m *Metrics) StageFinished(stage types.StageName, outcome types.StageOutcome, d time.Duration) {
	m.stageTotal.WithLabelValues(string(stage), string(outcome)).Inc()
	m.stageDuration.WithLabelValues(string(stage), string(outcome)).Observe(d.Seconds())
}

// RunTransition records a run moving between states.
func (m *Metrics) RunTransition(from, to types.PipelineState) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Retry records a scheduled retry of stage.
func (m *Metrics) Retry(stage types.StageName) {
	m.retries.WithLabelValues(string(stage)).Inc()
}

// QueueDepth records the number of tasks waiting for a worker.
func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ObserveVerify records one cleanup verifier pass.
func (m *Metrics) ObserveVerify(r *ledger.VerifyReport) {
	m.cleanupChecked.Add(float64(r.Checked))
	m.cleanupVerified.Add(float64(r.Verified))
	m.cleanupOverdue.Set(float64(len(r.Overdue)))
	m.cleanupHeld.Set(float64(r.Held))
	m.verifyErrors.Add(float64(len(r.Errors)))
	m.lastVerify.Set(float64(r.RunAt.Unix()))
}

// Middleware counts and times HTTP requests by their chi route pattern, so
// path parameters do not explode the label space.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// InstrumentRoundTripper returns an http.RoundTripper that collects client
// metrics under name, delegating to rt.
func (m *Metrics) InstrumentRoundTripper(name string, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	ls := prometheus.Labels{"client": name}
	return promhttp.InstrumentRoundTripperInFlight(
		m.clientInFlight.With(ls),
		promhttp.InstrumentRoundTripperDuration(
			m.clientDuration.MustCurryWith(ls),
			promhttp.InstrumentRoundTripperCounter(
				m.clientRequests.MustCurryWith(ls),
				rt)))
}
