// Package metrics exposes Prometheus collectors for the scheduler.
//
// Usage:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.TaskExecutions.WithLabelValues("http", metrics.OutcomeSucceeded).Inc()
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

type Metrics struct {
	// TicksTotal counts coordinator ticks, natural and forced.
	// Labels: trigger (timer|forced)
	TicksTotal *prometheus.CounterVec

	// PollErrors counts per-agent polls that failed at the tick boundary.
	// Labels: agent_id
	PollErrors *prometheus.CounterVec

	// PollsSkipped counts polls rejected by the in-flight guard.
	// Labels: agent_id
	PollsSkipped *prometheus.CounterVec

	// PollDuration measures one agent poll in seconds.
	PollDuration prometheus.Histogram

	// TaskExecutions counts finished task executions.
	// Labels: action, outcome (succeeded|retried|failed|discarded)
	TaskExecutions *prometheus.CounterVec

	// RegisteredAgents tracks coordinator registrations.
	// Labels: state (enabled|disabled)
	RegisteredAgents *prometheus.GaugeVec

	// PendingApprovals tracks approval requests awaiting a decision.
	PendingApprovals prometheus.Gauge
}

// New registers the scheduler collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_coordinator_ticks_total",
			Help: "Coordinator ticks by trigger",
		}, []string{"trigger"}),
		PollErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_poll_errors_total",
			Help: "Agent polls that returned an error",
		}, []string{"agent_id"}),
		PollsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_polls_skipped_total",
			Help: "Agent polls skipped because a previous poll was still running",
		}, []string{"agent_id"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentflow_poll_duration_seconds",
			Help:    "Duration of a single agent poll",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		TaskExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_task_executions_total",
			Help: "Task executions by action and outcome",
		}, []string{"action", "outcome"}),
		RegisteredAgents: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentflow_registered_agents",
			Help: "Agent schedulers registered with the coordinator",
		}, []string{"state"}),
		PendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_pending_approvals",
			Help: "Approval requests awaiting a decision",
		}),
	}
}

// Nop returns collectors bound to a private registry, for callers that don't export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
