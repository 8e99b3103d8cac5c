package governance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelgov",
		Name:      "routing_decisions_total",
		Help:      "Routing decisions served, labeled by outcome.",
	}, []string{"target"})

	triggerFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelgov",
		Name:      "trigger_firings_total",
		Help:      "Rollback triggers fired, labeled by severity.",
	}, []string{"severity"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelgov",
		Name:      "rollbacks_total",
		Help:      "Rollback executions, labeled by trigger source and final status.",
	}, []string{"source", "status"})

	activeCanariesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelgov",
		Name:      "active_canaries",
		Help:      "Rollouts currently serving canary traffic.",
	})
)
