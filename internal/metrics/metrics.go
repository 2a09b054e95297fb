package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxgate_active_sessions",
			Help: "Number of currently admitted call sessions",
		},
	)

	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_backend_calls_total",
			Help: "Total backend collaborator calls by service and status",
		},
		[]string{"service", "status"},
	)

	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "voxgate_backend_call_duration_seconds",
			Help: "Backend collaborator call duration in seconds",
		},
		[]string{"service"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_events_processed_total",
			Help: "Inbound events processed by type",
		},
		[]string{"type"},
	)

	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_transfers_total",
			Help: "Human-agent transfer attempts by outcome",
		},
		[]string{"outcome"},
	)

	LeadsCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_leads_captured_total",
			Help: "Lead answers captured across all sessions",
		},
	)
)
