package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outbound_engine"

// Metrics stores Prometheus collectors used by the API, dispatchers and
// reconcilers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	messagesSentTotal   *prometheus.CounterVec
	messagesFailedTotal *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	dispatchInflight    *prometheus.GaugeVec
	retryScheduledTotal *prometheus.CounterVec
	claimsTotal         *prometheus.CounterVec
	statusChecksTotal   *prometheus.CounterVec
	idleMessages        *prometheus.GaugeVec
	webhookEventsTotal  *prometheus.CounterVec
	infoPullsTotal      *prometheus.CounterVec
}

func counter(name string, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name string, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogram(name string, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: counter("http_requests_total",
			"Total number of HTTP requests processed by method, path, and status.", "method", "path", "status"),
		httpRequestDuration: histogram("http_request_duration_seconds",
			"HTTP request duration in seconds by method and path.", prometheus.DefBuckets, "method", "path"),

		messagesSentTotal: counter("messages_sent_total",
			"Total number of messages accepted by a provider.", "channel", "backend"),
		messagesFailedTotal: counter("messages_failed_total",
			"Total number of messages that ended in a failure state.", "channel", "reason"),
		sendDuration: histogram("send_duration_seconds",
			"Provider publish duration in seconds grouped by channel and backend.",
			prometheus.ExponentialBuckets(0.01, 2, 12), "channel", "backend"),
		dispatchInflight: gauge("dispatch_inflight",
			"Current number of messages being published grouped by channel.", "channel"),
		retryScheduledTotal: counter("retry_scheduled_total",
			"Total number of messages moved to ERROR_RETRY.", "channel"),
		claimsTotal: counter("claims_total",
			"Total number of messages claimed grouped by channel and operation.", "channel", "operation"),

		statusChecksTotal: counter("status_checks_total",
			"Total number of status check outcomes grouped by channel, backend and result.", "channel", "backend", "result"),
		idleMessages: gauge("idle_messages",
			"Number of in-flight messages older than the idle timeout at the last check.", "channel"),
		webhookEventsTotal: counter("webhook_events_total",
			"Total number of webhook events grouped by channel and result.", "channel", "result"),
		infoPullsTotal: counter("info_pulls_total",
			"Total number of extended info pulls grouped by channel and result.", "channel", "result"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.messagesFailedTotal,
		m.sendDuration,
		m.dispatchInflight,
		m.retryScheduledTotal,
		m.claimsTotal,
		m.statusChecksTotal,
		m.idleMessages,
		m.webhookEventsTotal,
		m.infoPullsTotal,
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

func (m *Metrics) IncMessageSent(channel string, backend string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(backend)).Inc()
}

func (m *Metrics) IncMessageFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.messagesFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(channel), normalizeLabel(backend)).Observe(seconds)
}

func (m *Metrics) IncDispatchInFlight(channel string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) DecDispatchInFlight(channel string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(channel)).Dec()
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) AddClaims(channel string, operation string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.claimsTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(operation)).Add(float64(count))
}

func (m *Metrics) IncStatusCheck(channel string, backend string, result string) {
	if m == nil {
		return
	}
	m.statusChecksTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(backend), normalizeLabel(result)).Inc()
}

func (m *Metrics) SetIdleMessages(channel string, count int64) {
	if m == nil {
		return
	}
	m.idleMessages.WithLabelValues(normalizeLabel(channel)).Set(float64(count))
}

func (m *Metrics) AddWebhookEvents(channel string, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(result)).Add(float64(count))
}

func (m *Metrics) IncInfoPull(channel string, result string) {
	if m == nil {
		return
	}
	m.infoPullsTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(result)).Inc()
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
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
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
