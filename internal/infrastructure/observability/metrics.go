package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration observes one full scheduler tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "postpilot",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// Emissions counts slot-reservation outcomes per tick candidate.
	Emissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postpilot",
		Subsystem: "scheduler",
		Name:      "emissions_total",
		Help:      "Job emission outcomes (emitted, slot_lost, error).",
	}, []string{"outcome"})

	// Blocks counts scheduler gate refusals by block code.
	Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postpilot",
		Subsystem: "scheduler",
		Name:      "blocks_total",
		Help:      "Runs blocked or skipped at the scheduler gate, by code.",
	}, []string{"code"})

	// AutoSuspends counts schedules suspended by the failure policy.
	AutoSuspends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "postpilot",
		Subsystem: "scheduler",
		Name:      "auto_suspends_total",
		Help:      "Schedules auto-suspended after consecutive session failures.",
	})

	// QueueDepth mirrors broker introspection counts.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "postpilot",
		Subsystem: "broker",
		Name:      "queue_depth",
		Help:      "Jobs per queue type and state.",
	}, []string{"type", "state"})

	// JobDuration observes worker-side job execution.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "postpilot",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Duration of job execution by type.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"type"})

	// JobOutcomes counts terminal job results by type and outcome.
	JobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postpilot",
		Subsystem: "worker",
		Name:      "job_outcomes_total",
		Help:      "Terminal job outcomes (completed, failed) by type and error code.",
	}, []string{"type", "outcome", "error_code"})

	// StuckRunHeals counts runs promoted to terminal state by the sweep.
	StuckRunHeals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "postpilot",
		Subsystem: "runs",
		Name:      "stuck_heals_total",
		Help:      "Runs healed by the stuck-state recovery sweep.",
	})
)
