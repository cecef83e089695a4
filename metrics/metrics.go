// Package metrics registers the engine's Prometheus collectors. Counters are
// package-level so any component can increment without plumbing a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TriggersIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "triggers_ingested_total",
		Help:      "Webhook trigger events accepted and published.",
	})

	TriggersDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "triggers_duplicate_total",
		Help:      "Webhook deliveries dropped at the ingestion dedup boundary.",
	})

	TransitionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "transitions_applied_total",
		Help:      "Transition requests applied to contact journey state.",
	})

	TransitionsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "transitions_discarded_total",
		Help:      "Transition requests acknowledged without effect, by reason.",
	}, []string{"reason"})

	JobsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "jobs_executed_total",
		Help:      "Job executions by final outcome.",
	}, []string{"outcome"})

	TasksFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "tasks_fired_total",
		Help:      "Delayed tasks claimed and fired by the scheduler.",
	})

	TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "tasks_cancelled_total",
		Help:      "Delayed tasks cancelled before firing.",
	})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journeys",
		Name:      "dead_letters_total",
		Help:      "Messages routed to a dead-letter queue.",
	}, []string{"queue"})
)
