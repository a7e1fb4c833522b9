// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	webhooksReceived  *prometheus.CounterVec
	tasksCreated      *prometheus.CounterVec
	taskDeliveries    *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	locationPoints    prometheus.Counter
	botUpdates        *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
	webhooksDisabled  prometheus.Counter

	// Histograms
	webhookDuration prometheus.Histogram
}

// New creates all metrics and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_intake_requests_total",
				Help: "Webhook intake requests by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_tasks_created_total",
				Help: "Worker tasks created",
			},
			[]string{"platform"},
		),
		taskDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_task_deliveries_total",
				Help: "Task messages sent to worker chats",
			},
			[]string{"result"},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_status_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"status"},
		),
		locationPoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pmconnect_location_points_total",
				Help: "GPS points recorded",
			},
		),
		botUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_bot_updates_total",
				Help: "Inbound bot updates by kind",
			},
			[]string{"kind"},
		),
		webhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pmconnect_webhook_deliveries_total",
				Help: "Outbound company webhook deliveries",
			},
			[]string{"event", "result"},
		),
		webhooksDisabled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pmconnect_webhooks_disabled_total",
				Help: "Webhooks disabled after consecutive failures",
			},
		),
		webhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pmconnect_webhook_delivery_duration_seconds",
				Help:    "Outbound webhook request duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhooksReceived,
		m.tasksCreated,
		m.taskDeliveries,
		m.statusTransitions,
		m.locationPoints,
		m.botUpdates,
		m.webhookDeliveries,
		m.webhooksDisabled,
		m.webhookDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IntakeRequest(platform, outcome string) {
	if m == nil {
		return
	}
	m.webhooksReceived.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) TaskCreated(platform string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(platform).Inc()
}

// TaskDelivery counts a message send; result is "ok", "failed" or "deferred"
func (m *Metrics) TaskDelivery(result string) {
	if m == nil {
		return
	}
	m.taskDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) StatusTransition(status string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) LocationPoint() {
	if m == nil {
		return
	}
	m.locationPoints.Inc()
}

func (m *Metrics) BotUpdate(kind string) {
	if m == nil {
		return
	}
	m.botUpdates.WithLabelValues(kind).Inc()
}

// WebhookDelivery records one outbound attempt
func (m *Metrics) WebhookDelivery(event string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "ok"
	}
	m.webhookDeliveries.WithLabelValues(event, result).Inc()
	m.webhookDuration.Observe(took.Seconds())
}

func (m *Metrics) WebhookDisabled() {
	if m == nil {
		return
	}
	m.webhooksDisabled.Inc()
}
