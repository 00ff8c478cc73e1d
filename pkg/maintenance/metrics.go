package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_maintenance_runs_total",
		Help: "Scheduled maintenance tasks that completed",
	}, []string{"task"})

	taskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_maintenance_failures_total",
		Help: "Scheduled maintenance tasks that failed",
	}, []string{"task"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "testoor_maintenance_duration_seconds",
		Help:    "Duration of scheduled maintenance tasks",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"task"})

	runsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testoor_maintenance_runs_deleted_total",
		Help: "Runs removed by retention cleanup",
	})
)
