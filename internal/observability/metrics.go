package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the admission and dispatch
// flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	admissionsTotal          *prometheus.CounterVec
	idempotencyReplaysTotal  prometheus.Counter
	rateLimitedTotal         *prometheus.CounterVec
	budgetWarningsTotal      *prometheus.CounterVec
	budgetBlockedTotal       *prometheus.CounterVec
	notificationsSentTotal   *prometheus.CounterVec
	notificationsFailedTotal *prometheus.CounterVec
	sendDuration             *prometheus.HistogramVec
	workerInflight           *prometheus.GaugeVec
	retryScheduledTotal      *prometheus.CounterVec
	circuitTransitionsTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_core",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "admissions_total",
				Help:      "Total number of admission decisions by result.",
			},
			[]string{"result"},
		),
		idempotencyReplaysTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "idempotency_replays_total",
				Help:      "Total number of admissions answered from the idempotency store.",
			},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "rate_limited_total",
				Help:      "Total number of admissions denied by a rate-limit scope.",
			},
			[]string{"scope"},
		),
		budgetWarningsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "budget_warnings_total",
				Help:      "Total number of budget warning threshold crossings.",
			},
			[]string{"channel"},
		),
		budgetBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "budget_blocked_total",
				Help:      "Total number of admissions blocked by an exhausted budget.",
			},
			[]string{"channel"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "notifications_sent_total",
				Help:      "Total number of channel sends that were delivered.",
			},
			[]string{"channel"},
		),
		notificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that reached a terminal failure.",
			},
			[]string{"channel", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify_core",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds by channel and provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel", "provider"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "notify_core",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight dispatch attempts by channel.",
			},
			[]string{"channel"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "retry_scheduled_total",
				Help:      "Total number of notifications scheduled for retry.",
			},
			[]string{"channel"},
		),
		circuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify_core",
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker transitions by provider and new state.",
			},
			[]string{"provider", "state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.admissionsTotal,
		m.idempotencyReplaysTotal,
		m.rateLimitedTotal,
		m.budgetWarningsTotal,
		m.budgetBlockedTotal,
		m.notificationsSentTotal,
		m.notificationsFailedTotal,
		m.sendDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.circuitTransitionsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncAdmission(result string) {
	if m == nil {
		return
	}
	m.admissionsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncIdempotencyReplay() {
	if m == nil {
		return
	}
	m.idempotencyReplaysTotal.Inc()
}

func (m *Metrics) IncRateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(normalizeLabel(scope)).Inc()
}

func (m *Metrics) IncBudgetWarning(channel string) {
	if m == nil {
		return
	}
	m.budgetWarningsTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncBudgetBlocked(channel string) {
	if m == nil {
		return
	}
	m.budgetBlockedTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncNotificationSent(channel string) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncNotificationFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.notificationsFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveSendDuration(channel, provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel), normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) DecWorkerInFlight(channel string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncCircuitTransition(provider, state string) {
	if m == nil {
		return
	}
	m.circuitTransitionsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(state)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
