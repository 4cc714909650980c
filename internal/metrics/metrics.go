package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pkgvault"

var (
	// BatchesTotal counts finished batches.
	// Labels: direction (backup, restore), status (finished, cancelled, failed)
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "batches_total",
		Help:      "Total batches run by direction and terminal status",
	}, []string{"direction", "status"})

	// BatchRunning is 1 while a batch is in progress.
	BatchRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "batch_running",
		Help:      "Whether a batch is currently running",
	})

	// TasksTotal counts tasks that reached a terminal state.
	// Labels: direction, state (success, failed)
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "tasks_total",
		Help:      "Total package tasks by terminal state",
	}, []string{"direction", "state"})

	// ObjectsTotal counts processed objects.
	// Labels: direction, category, state (success, failed)
	ObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "objects_total",
		Help:      "Total category objects processed by terminal state",
	}, []string{"direction", "category", "state"})

	// ObjectDuration measures the time spent archiving one category.
	// Labels: direction, category
	ObjectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "object_duration_seconds",
		Help:      "Time to archive or extract one category of a package",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"direction", "category"})

	// RecordedBytes accumulates the sizes recorded by successful backup objects.
	// Labels: category
	RecordedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "recorded_bytes_total",
		Help:      "Total bytes recorded by successful backups per category",
	}, []string{"category"})

	// MirrorUploadsTotal counts mirrored files.
	// Labels: backend (s3, gcs), status (success, error)
	MirrorUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mirror",
		Name:      "uploads_total",
		Help:      "Total files uploaded to the mirror backend",
	}, []string{"backend", "status"})

	// HTTPRequestsTotal counts API requests.
	// Labels: method, code (2xx, 4xx, 5xx)
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by method and status class",
	}, []string{"method", "code"})
)
