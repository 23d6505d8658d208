package metrics

import "github.com/prometheus/client_golang/prometheus"

const transitionName = "transition_name"

var (
	// ChangeLatency is how long one change event takes to run through the
	// whole transition registry.
	ChangeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_change_latency_seconds",
		Help:    "Pipeline latency per change event in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	})

	// TransitionErrors is the number of transition applications that errored
	TransitionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_transition_error_count",
		Help: "Number of errors applying transitions",
	}, []string{transitionName})

	// TransitionsApplied is the number of transitions that ran and changed the document
	TransitionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_transition_applied_count",
		Help: "Number of transitions that applied and changed a document",
	}, []string{transitionName})

	// TransitionsSkipped is the number of change events a transition's filter rejected
	TransitionsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_transition_skipped_count",
		Help: "Number of change events skipped by transition filters",
	}, []string{transitionName})

	// SavesTotal is the number of document persists performed by the pipeline
	SavesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_document_save_count",
		Help: "Number of documents persisted by the pipeline",
	})
)

func init() {
	prometheus.MustRegister(
		ChangeLatency,
		TransitionErrors,
		TransitionsApplied,
		TransitionsSkipped,
		SavesTotal,
	)
}

func Reset() {
	TransitionErrors.Reset()
	TransitionsApplied.Reset()
	TransitionsSkipped.Reset()
}
