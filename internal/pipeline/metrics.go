package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the processing pipeline.
type Metrics struct {
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	ActiveWorkers  prometheus.Gauge
	RejectedTotal  *prometheus.CounterVec
	ThrottledTotal prometheus.Counter
}

// NewMetrics returns the process-wide pipeline metrics.
//
// Metrics:
//   - brain_pipeline_tasks_total{type,outcome}
//   - brain_pipeline_task_duration_seconds{type}
//   - brain_pipeline_queue_depth
//   - brain_pipeline_active_workers
//   - brain_pipeline_rejected_total{reason}
//   - brain_pipeline_throttled_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "brain_pipeline_tasks_total",
				Help: "Tasks finished by the pipeline",
			}, []string{"type", "outcome"}),
			TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "brain_pipeline_task_duration_seconds",
				Help:    "Handler execution time",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			}, []string{"type"}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "brain_pipeline_queue_depth",
				Help: "Tasks waiting in the queue",
			}),
			ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "brain_pipeline_active_workers",
				Help: "Workers currently running a task",
			}),
			RejectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "brain_pipeline_rejected_total",
				Help: "Submissions rejected before enqueue",
			}, []string{"reason"}),
			ThrottledTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "brain_pipeline_throttled_total",
				Help: "Submissions reshaped because the resource manager advised throttling",
			}),
		}
	})
	return globalMetrics
}
