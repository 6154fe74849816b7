package masterflow

import (
	"context"

	"github.com/luno/jettison/errors"
)

// ExecutePhaseAsync performs the same preconditions as ExecutePhase synchronously but runs the
// handler in a supervised background goroutine, for phases that outlast an HTTP request budget.
// The caller receives an immediate in-progress result and polls FlowStatus for completion. This
// is the only fire-and-forget boundary in the orchestrator.
func (o *Orchestrator) ExecutePhaseAsync(ctx context.Context, flowID string, phase Phase, input []byte, force bool) (PhaseExecutionResult, error) {
	if !o.calledRun {
		return PhaseExecutionResult{}, errors.Wrap(ErrValidation, "async execution requires Run to be called")
	}

	flow, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	g, err := graphFor(flow.FlowType)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()

		// The request context ends with the caller; the execution runs under the orchestrator's
		// lifecycle instead.
		_, err := o.ExecutePhase(o.ctx, flowID, phase, input, force)
		if err != nil {
			// NoReturnErr: contract violations in background execution can only be logged.
			o.logger.Error(o.ctx, err)
		}
	}()

	return PhaseExecutionResult{
		FlowID:             flowID,
		Status:             StatusInProgress,
		CurrentPhase:       flow.CurrentPhase,
		ProgressPercentage: progress(g, flow),
	}, nil
}
