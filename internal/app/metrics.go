package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagaOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_saga_outcomes_total",
		Help: "Saga leg outcomes, labeled by call type and result",
	}, []string{"call_type", "outcome"})

	recoveryResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_recovery_resolutions_total",
		Help: "Stuck saga resolutions by the recovery sweeper, labeled by resolution",
	}, []string{"resolution"})

	killSwitchTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_kill_switch_trips_total",
		Help: "Times the kill switch was triggered automatically",
	})

	reconciliationBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_reconciliation_breaches_total",
		Help: "Invariant breaches found by the reconciler",
	})

	processorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_processor_call_duration_seconds",
		Help:    "Latency distribution of processor calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"call_type"})
)
