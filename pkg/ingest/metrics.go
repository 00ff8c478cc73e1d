package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_ingest_events_total",
		Help: "Ingestion calls committed by event",
	}, []string{"event"})

	ingestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_ingest_failures_total",
		Help: "Ingestion calls that failed to commit by event",
	}, []string{"event"})

	resultStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_ingest_results_total",
		Help: "Results written by state",
	}, []string{"state"})
)
