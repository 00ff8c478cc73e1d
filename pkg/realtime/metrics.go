package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testoor_realtime_sessions",
		Help: "Connected real-time sessions",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_realtime_messages_sent_total",
		Help: "Messages queued to sessions by type",
	}, []string{"type"})

	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_realtime_messages_dropped_total",
		Help: "Messages that could not be queued to a session by type",
	}, []string{"type"})

	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "testoor_realtime_events_published_total",
		Help: "Events published into rooms by type",
	}, []string{"type"})
)
