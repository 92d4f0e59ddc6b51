package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowboard_active_sessions",
		Help: "Number of currently connected collaboration sessions.",
	})

	metricMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowboard_ws_messages_total",
		Help: "Inbound websocket messages processed, by event type.",
	}, []string{"type"})
)
