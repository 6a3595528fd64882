package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// DispatchTotal counts dispatch attempts by task type and outcome
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_dispatch_total",
			Help: "Total number of job dispatch attempts by outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	// PublishDuration tracks time from send to broker confirmation
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_publish_duration_seconds",
			Help:    "Time spent publishing a job message until the broker confirmed it.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// TasksProcessedTotal counts tasks handled by the worker by outcome
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Total number of job messages handled by the worker.",
		},
		[]string{"task_type", "outcome"},
	)
)

// RegisterBrokerConnects exposes the number of broker sessions established by
// the publishing connection manager.
func RegisterBrokerConnects(connects func() uint64) prometheus.CounterFunc {
	return promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "broker_connections_established_total",
			Help: "Total number of broker publishing sessions established.",
		},
		func() float64 { return float64(connects()) },
	)
}
