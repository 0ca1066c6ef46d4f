package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Total number of provisioning workflow executions started",
		},
		[]string{"operation", "tier"},
	)

	ExecutionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_finished_total",
			Help: "Total number of provisioning workflow executions that reached a terminal state",
		},
		[]string{"operation", "tier", "outcome"},
	)

	PollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_poll_attempts_total",
			Help: "Total number of stack status checks made by the poller",
		},
		[]string{"operation"},
	)

	UnprocessedItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deprovision_unprocessed_items_total",
			Help: "Items left unprocessed after batch delete retries were exhausted",
		},
	)

	WorkerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_processed_total",
			Help: "Total number of workflow messages processed by workers",
		},
		[]string{"queue", "result"},
	)

	WorkerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active_goroutines",
			Help: "Number of active worker goroutines per queue",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current RabbitMQ queue depth",
		},
		[]string{"queue"},
	)

	StaleTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenants_stale",
			Help: "Tenants stuck in a transient provisioning state at the last sweep",
		},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(
		ExecutionsStarted,
		ExecutionsFinished,
		PollAttempts,
		UnprocessedItems,
		WorkerProcessed,
		WorkerActive,
		QueueDepth,
		StaleTenants,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
