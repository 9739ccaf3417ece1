package qms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "authz",
		Name:      "decisions_total",
		Help:      "Total number of permission checks broken down by result.",
	}, []string{"result"})

	permissionCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of permission cache lookups broken down by kind and result.",
	}, []string{"kind", "result"})

	workflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Total number of workflow transitions broken down by entity and target status.",
	}, []string{"entity", "status"})

	writeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qms",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of optimistic-concurrency conflicts broken down by entity.",
	}, []string{"entity"})
)

func recordDecision(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	authzDecisions.WithLabelValues(result).Inc()
}

func recordCacheLookup(kind, result string) {
	permissionCacheLookups.WithLabelValues(kind, result).Inc()
}

func recordTransition(entity, status string) {
	workflowTransitions.WithLabelValues(entity, status).Inc()
}

func recordWriteConflict(entity string) {
	writeConflicts.WithLabelValues(entity).Inc()
}
