package masterflow

import (
	"fmt"

	"github.com/atlasadvisory/masterflow/internal/metrics"
)

// State is the lifecycle state of one of the orchestrator's background processes.
type State int

const (
	StateUnknown  State = 0
	StateIdle     State = 1
	StateRunning  State = 2
	StateShutdown State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// States returns the current state of every background process by name.
func (o *Orchestrator) States() map[string]State {
	o.internalStateMu.Lock()
	defer o.internalStateMu.Unlock()

	states := make(map[string]State, len(o.internalState))
	for name, state := range o.internalState {
		states[name] = state
	}

	return states
}

func (o *Orchestrator) updateState(processName string, s State) {
	o.internalStateMu.Lock()
	defer o.internalStateMu.Unlock()

	metrics.ProcessStates.WithLabelValues(processName).Set(float64(s))
	o.internalState[processName] = s
}
