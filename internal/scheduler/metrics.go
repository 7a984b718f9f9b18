package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the OCR task flow.
type Metrics struct {
	// Counters
	tasksSubmitted prometheus.Counter
	tasksFinished  *prometheus.CounterVec

	// Gauges
	tasksQueued     prometheus.Gauge
	tasksProcessing prometheus.Gauge
	workersActive   prometheus.Gauge
	workersCapacity prometheus.Gauge

	// Histograms
	taskDuration prometheus.Histogram
	uploadSize   prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. Production
// passes prometheus.DefaultRegisterer; tests pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ocr_tasks_submitted_total",
				Help: "Total number of documents accepted for processing",
			},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocr_tasks_finished_total",
				Help: "Total number of tasks that reached a terminal state",
			},
			[]string{"status"},
		),
		tasksQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocr_tasks_queued",
				Help: "Current number of queued tasks",
			},
		),
		tasksProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ocr_tasks_processing",
				Help: "Current number of tasks being processed",
			},
		),
		workersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_active",
				Help: "Number of busy OCR workers",
			},
		),
		workersCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_pool_capacity",
				Help: "Total OCR worker pool capacity",
			},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocr_task_duration_seconds",
				Help:    "OCR engine execution duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		uploadSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ocr_upload_size_bytes",
				Help:    "Size of accepted document uploads in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
	}

	reg.MustRegister(
		m.tasksSubmitted,
		m.tasksFinished,
		m.tasksQueued,
		m.tasksProcessing,
		m.workersActive,
		m.workersCapacity,
		m.taskDuration,
		m.uploadSize,
	)

	return m
}

// ObserveUpload records one accepted upload. Safe on a nil receiver so
// intake can run without metrics wired.
func (m *Metrics) ObserveUpload(sizeBytes int64) {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
	m.uploadSize.Observe(float64(sizeBytes))
}
