package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	flowType    = "flow_type"
	processName = "process_name"
	tenant      = "tenant"
	source      = "source"
)

var (
	// PhaseTransitions counts persisted phase status transitions.
	PhaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "masterflow_phase_transitions_total",
		Help: "Number of persisted phase status transitions",
	}, []string{flowType, "from_status", "to_status"})

	// ProcessStates reflects the states of the orchestrator's background processes.
	ProcessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "masterflow_process_states",
		Help: "The current states of all background processes",
	}, []string{processName})

	// ProcessErrors is the number of errors from background processes.
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "masterflow_process_error_count",
		Help: "Number of errors from background processes",
	}, []string{processName})

	// ConflictsDetected counts conflict records emitted by the detector.
	ConflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "masterflow_conflicts_detected_total",
		Help: "Number of conflict records created",
	}, []string{tenant})

	// FailuresLogged counts journal writes by source subsystem.
	FailuresLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "masterflow_failures_logged_total",
		Help: "Number of failure events journaled",
	}, []string{source})

	// RetriesAttempted counts retry handler invocations and their outcome.
	RetriesAttempted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "masterflow_retries_attempted_total",
		Help: "Number of retry attempts by source and outcome",
	}, []string{source, "outcome"})
)

func init() {
	prometheus.MustRegister(
		PhaseTransitions,
		ProcessStates,
		ProcessErrors,
		ConflictsDetected,
		FailuresLogged,
		RetriesAttempted,
	)
}

func Reset() {
	PhaseTransitions.Reset()
	ProcessStates.Reset()
	ProcessErrors.Reset()
	ConflictsDetected.Reset()
	FailuresLogged.Reset()
	RetriesAttempted.Reset()
}
