package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetagent_workflow_runs_total",
			Help: "Total number of workflow turns by outcome",
		},
		[]string{"outcome"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetagent_workflow_generations_total",
			Help: "Total number of generated plans by kind",
		},
		[]string{"kind"},
	)

	ValidationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetagent_workflow_validation_failures_total",
			Help: "Total number of plans rejected by validation",
		},
	)

	ExecutionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetagent_workflow_execution_failures_total",
			Help: "Total number of plans that failed to execute",
		},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetagent_workflow_node_duration_seconds",
			Help:    "Duration of workflow nodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)
)
