// Package metrics defines the Prometheus collectors for the execution core
// and the /metrics exposition handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the core's collectors around one registry so tests can
// isolate their own instance.
type Metrics struct {
	registry *prometheus.Registry

	// Lane queue
	TasksEnqueued  *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksCancelled *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksRunning   *prometheus.GaugeVec
	TaskWait       *prometheus.HistogramVec
	TaskExec       *prometheus.HistogramVec

	// A2A bus
	BusSent          prometheus.Counter
	BusDelivered     prometheus.Counter
	BusRejected      prometheus.Counter
	BusHandlerErrors prometheus.Counter

	// Gateway
	GatewayConnections  prometheus.Gauge
	GatewayRequests     prometheus.Counter
	GatewayResponses    *prometheus.CounterVec
	GatewayRateLimited  prometheus.Counter
	GatewayEventsPushed prometheus.Counter
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_lane_tasks_enqueued_total",
			Help: "Tasks submitted per lane.",
		}, []string{"lane"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_lane_tasks_completed_total",
			Help: "Tasks completed per lane.",
		}, []string{"lane"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_lane_tasks_failed_total",
			Help: "Tasks failed per lane.",
		}, []string{"lane"}),
		TasksCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_lane_tasks_cancelled_total",
			Help: "Tasks cancelled per lane.",
		}, []string{"lane"}),
		TasksRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_lane_tasks_retried_total",
			Help: "Task retry requeues per lane.",
		}, []string{"lane"}),
		TasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evoagent_lane_tasks_running",
			Help: "Tasks currently running per lane.",
		}, []string{"lane"}),
		TaskWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evoagent_lane_task_wait_seconds",
			Help:    "Time tasks spend queued before starting.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"lane"}),
		TaskExec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evoagent_lane_task_exec_seconds",
			Help:    "Task execution time from start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"lane"}),

		BusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_bus_messages_sent_total",
			Help: "Messages accepted by the A2A bus.",
		}),
		BusDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_bus_messages_delivered_total",
			Help: "Messages handled by subscriptions.",
		}),
		BusRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_bus_messages_rejected_total",
			Help: "Messages rejected by validation or backpressure.",
		}),
		BusHandlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_bus_handler_errors_total",
			Help: "Subscription handler failures.",
		}),

		GatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evoagent_gateway_connections",
			Help: "Connected WebSocket clients.",
		}),
		GatewayRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_gateway_requests_total",
			Help: "Requests received over /ws.",
		}),
		GatewayResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evoagent_gateway_responses_total",
			Help: "Final responses sent per status.",
		}, []string{"status"}),
		GatewayRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		GatewayEventsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evoagent_gateway_events_pushed_total",
			Help: "Event frames streamed to clients.",
		}),
	}

	reg.MustRegister(
		m.TasksEnqueued, m.TasksCompleted, m.TasksFailed, m.TasksCancelled,
		m.TasksRetried, m.TasksRunning, m.TaskWait, m.TaskExec,
		m.BusSent, m.BusDelivered, m.BusRejected, m.BusHandlerErrors,
		m.GatewayConnections, m.GatewayRequests, m.GatewayResponses,
		m.GatewayRateLimited, m.GatewayEventsPushed,
	)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
