// Package metrics holds the Prometheus instruments for the engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	tickDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TransitionsTotal       *prometheus.CounterVec
	ReadinessVerdictsTotal *prometheus.CounterVec
	ChecklistChangesTotal  *prometheus.CounterVec

	EscalationTicksTotal   prometheus.Counter
	EscalationOutcomes     *prometheus.CounterVec
	EscalationTickDuration prometheus.Histogram

	NotificationsTotal *prometheus.CounterVec
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "readyline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_transitions_total",
			Help: "Transition attempts by definition, transition and outcome.",
		}, []string{"definition", "transition", "outcome"}),
		ReadinessVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_readiness_verdicts_total",
			Help: "Readiness evaluations by rule type and result.",
		}, []string{"rule", "result"}),
		ChecklistChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_checklist_changes_total",
			Help: "Checklist completions and overrides by outcome.",
		}, []string{"action", "outcome"}),

		EscalationTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readyline_escalation_ticks_total",
			Help: "Total escalation scans.",
		}),
		EscalationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_escalation_outcomes_total",
			Help: "Escalation candidate outcomes by rule.",
		}, []string{"rule", "outcome"}),
		EscalationTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "readyline_escalation_tick_duration_seconds",
			Help:    "Escalation scan duration in seconds.",
			Buckets: tickDurationBuckets,
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readyline_notifications_total",
			Help: "Outbox deliveries by template and outcome.",
		}, []string{"template", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.ReadinessVerdictsTotal,
		m.ChecklistChangesTotal,
		m.EscalationTicksTotal,
		m.EscalationOutcomes,
		m.EscalationTickDuration,
		m.NotificationsTotal,
	)
	return m
}

func (m *Metrics) RecordTransition(definition, transition, outcome string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(definition, transition, outcome).Inc()
}

func (m *Metrics) RecordVerdict(rule string, pass bool) {
	if m == nil {
		return
	}
	result := "fail"
	if pass {
		result = "pass"
	}
	m.ReadinessVerdictsTotal.WithLabelValues(rule, result).Inc()
}

func (m *Metrics) RecordChecklistChange(action, outcome string) {
	if m == nil {
		return
	}
	m.ChecklistChangesTotal.WithLabelValues(action, outcome).Inc()
}

// RecordTick records one complete escalation scan.
func (m *Metrics) RecordTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.EscalationTicksTotal.Inc()
	m.EscalationTickDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordEscalation(rule, outcome string) {
	if m == nil {
		return
	}
	m.EscalationOutcomes.WithLabelValues(rule, outcome).Inc()
}

func (m *Metrics) RecordNotification(template, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(template, outcome).Inc()
}

// Middleware records request metrics labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry gathered by g, or the default registry when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
