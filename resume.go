package masterflow

import (
	"context"
)

// ResumeFlow re-executes the flow's current phase. Used after a process restart, by the retry
// worker for transient failures, and by the retry endpoint after a failed terminal state. Safe
// to call on a completed flow: it is a no-op that returns the current state.
func (o *Orchestrator) ResumeFlow(ctx context.Context, flowID string) (PhaseExecutionResult, error) {
	return o.resumeFlow(ctx, flowID, true)
}

func (o *Orchestrator) resumeFlow(ctx context.Context, flowID string, journalOnFailure bool) (PhaseExecutionResult, error) {
	flow, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	g, err := graphFor(flow.FlowType)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	if flow.Finished() {
		return PhaseExecutionResult{
			FlowID:             flow.FlowID,
			Status:             flow.PhaseStatus,
			CurrentPhase:       flow.CurrentPhase,
			ProgressPercentage: progress(g, flow),
		}, nil
	}

	// The latest snapshot already carries the phase state; resume re-enters without new input.
	return o.executePhase(ctx, flowID, flow.CurrentPhase, nil, true, journalOnFailure)
}
