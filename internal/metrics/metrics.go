// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConvergenceSteps counts dispatched convergence steps by kind and
	// outcome.
	ConvergenceSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "converger",
		Name:      "steps_total",
		Help:      "Convergence steps dispatched, by step kind and outcome.",
	}, []string{"kind", "outcome"})

	// ConvergencePasses counts whole convergence passes by outcome.
	ConvergencePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "converger",
		Name:      "passes_total",
		Help:      "Convergence passes, by aggregate outcome.",
	}, []string{"outcome"})

	// PolicyExecutions counts policy execution attempts by result.
	PolicyExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "controller",
		Name:      "policy_executions_total",
		Help:      "Policy execution attempts, by result.",
	}, []string{"result"})

	// ScheduledEvents counts scheduler-processed events by disposition.
	ScheduledEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "scheduler",
		Name:      "events_total",
		Help:      "Scheduled events processed, by disposition.",
	}, []string{"disposition"})

	// SchedulerLag is the age of the oldest unprocessed event per bucket.
	SchedulerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "otter",
		Subsystem: "scheduler",
		Name:      "oldest_event_age_seconds",
		Help:      "Age of the oldest unprocessed event in each owned bucket.",
	}, []string{"bucket"})

	// LockContention counts lock acquisitions that found the lock busy.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "coordination",
		Name:      "lock_contention_total",
		Help:      "Lock acquisition attempts that found the lock held elsewhere.",
	}, []string{"lock"})

	// SelfHealWaves counts self-heal waves started.
	SelfHealWaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otter",
		Subsystem: "selfheal",
		Name:      "waves_total",
		Help:      "Self-heal scheduling waves started.",
	})
)
