package masterflow

import (
	"context"
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow/internal/metrics"
	"github.com/atlasadvisory/masterflow/internal/phasegraph"
)

// ExecutePhase is the central operation: it validates the flow's current state, wins the
// exclusive right to advance via compare-and-swap on the version, invokes the registered phase
// handler, and persists the handler outcome together with the new snapshot in one atomic write.
//
// Business level failures never raise: they are represented in the returned result and in the
// failure journal. Errors are reserved for contract violations - unknown flow, unknown phase,
// or losing the version race (ErrConcurrencyConflict, in which case the caller should re-fetch
// and retry the call itself).
func (o *Orchestrator) ExecutePhase(ctx context.Context, flowID string, phase Phase, input []byte, force bool) (PhaseExecutionResult, error) {
	return o.executePhase(ctx, flowID, phase, input, force, true)
}

// journalOnFailure is false when the retry worker replays a journaled failure: the original
// journal row already tracks the retry count, so a failing replay must not spawn a fresh row.
func (o *Orchestrator) executePhase(ctx context.Context, flowID string, phase Phase, input []byte, force, journalOnFailure bool) (PhaseExecutionResult, error) {
	flow, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	g, err := graphFor(flow.FlowType)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	if !g.IsValid(string(phase)) {
		return PhaseExecutionResult{}, errors.Wrap(ErrPhaseNotConfigured, "phase not in flow type graph", j.MKV{
			"flow_id":   flowID,
			"flow_type": flow.FlowType.String(),
			"phase":     string(phase),
		})
	}

	if flow.PhaseStatus == StatusCancelled || flow.Finished() {
		return PhaseExecutionResult{}, errors.Wrap(ErrFlowTerminal, "", j.MKV{
			"flow_id":      flowID,
			"phase_status": flow.PhaseStatus.String(),
		})
	}

	if phase != flow.CurrentPhase {
		phaseIndex, _ := g.Position(string(phase))
		currentIndex, _ := g.Position(string(flow.CurrentPhase))

		if phaseIndex > currentIndex {
			return PhaseExecutionResult{}, errors.Wrap(ErrPhaseNotReachable, "", j.MKV{
				"flow_id":       flowID,
				"phase":         string(phase),
				"current_phase": string(flow.CurrentPhase),
			})
		}

		// The flow is already past this phase. Without force this is an idempotent re-call:
		// return the recorded outcome without re-invoking the handler.
		if !force {
			return PhaseExecutionResult{
				FlowID:             flowID,
				Status:             StatusCompleted,
				CurrentPhase:       flow.CurrentPhase,
				ProgressPercentage: progress(g, flow),
			}, nil
		}
	}

	// A flow paused on unresolved conflicts may not advance past the conflict-producing phase
	// until every conflict for it is resolved.
	pending, err := o.store.CountUnresolved(ctx, flowID)
	if err != nil {
		return PhaseExecutionResult{}, err
	}
	if pending > 0 {
		// The pause must be durable, not just reported: a pending flow observed with unresolved
		// conflicts is parked here. A flow mid-execution is left to its outcome write.
		if flow.PhaseStatus == StatusPending {
			from := flow.PhaseStatus
			flow.PhaseStatus = StatusPausedForInput
			flow.StatusReason = fmt.Sprintf("%d unresolved conflicts pending user input", pending)
			err := o.persistFlow(ctx, flow, from, nil, "")
			if err != nil {
				return PhaseExecutionResult{}, err
			}
		}

		return PhaseExecutionResult{
			FlowID:             flowID,
			Status:             StatusPausedForInput,
			CurrentPhase:       flow.CurrentPhase,
			ProgressPercentage: progress(g, flow),
			Errors:             []string{fmt.Sprintf("%d unresolved conflicts pending user input", pending)},
		}, nil
	}

	reg, err := o.registry.lookup(flow.FlowType, phase)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	// Win the exclusive right to advance. A flow observed mid-execution, or a version race lost
	// at the store, both surface as ErrConcurrencyConflict so the caller re-fetches and retries.
	err = validateStatusTransition(flow, StatusInProgress, ErrConcurrencyConflict)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	from := flow.PhaseStatus
	flow.PhaseStatus = StatusInProgress
	flow.StatusReason = ""
	if reg.timeout > 0 {
		flow.TimeoutAt = o.clock.Now().Add(reg.timeout)
	}

	err = o.persistFlow(ctx, flow, from, nil, "")
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	return o.invokeHandler(ctx, g, flow, phase, from, reg, input, journalOnFailure)
}

// invokeHandler runs the registered handler for the phase and persists the declared outcome.
// The handler's own state change (the new snapshot payload) and the orchestrator's bookkeeping
// are the same atomic write. prior is the phase status before this execution claimed the flow;
// a forced re-run of an already-passed phase restores it so the current phase's standing is
// untouched.
func (o *Orchestrator) invokeHandler(ctx context.Context, g *phasegraph.Graph, flow *Flow, phase Phase, prior PhaseStatus, reg registration, input []byte, journalOnFailure bool) (PhaseExecutionResult, error) {
	current, err := o.store.LatestSnapshot(ctx, flow.FlowID)
	if errors.Is(err, ErrFlowNotFound) {
		current = nil
	} else if err != nil {
		return PhaseExecutionResult{}, err
	}

	result, handlerErr := reg.handler.Execute(ctx, flow.FlowID, flow.TenantScope, input, current)
	if handlerErr != nil {
		return o.recordHandlerFailure(ctx, g, flow, phase, reg, handlerErr, journalOnFailure)
	}

	from := flow.PhaseStatus
	flow.TimeoutAt = zeroTime

	switch result.Outcome {
	case OutcomeCompleted:
		if phase != flow.CurrentPhase {
			// Forced re-run of a passed phase: record the new snapshot without advancing or
			// touching the current phase's standing.
			flow.PhaseStatus = prior
			break
		}

		flow.PhaseStatus = StatusCompleted
		next, ok := g.Next(string(phase))
		if ok {
			if g.IsTerminal(next) {
				// The terminal node is reached the moment its predecessor completes.
				flow.CurrentPhase = Phase(next)
			} else {
				flow.CurrentPhase = Phase(next)
				flow.PhaseStatus = StatusPending
			}
		}
	case OutcomePausedForInput:
		flow.PhaseStatus = StatusPausedForInput
		flow.StatusReason = firstError(result.Errors)
	case OutcomeFailed:
		flow.PhaseStatus = StatusFailed
		flow.StatusReason = firstError(result.Errors)
		if journalOnFailure {
			o.journal.LogFailure(ctx, flow.TenantScope, SourceOrchestrator, string(phase),
				errors.New("phase handler reported failure", j.MKV{"flow_id": flow.FlowID}),
				map[string]string{
					"flow_id": flow.FlowID,
					"phase":   string(phase),
					"kind":    KindStructural.String(),
				})
		}
	default:
		return PhaseExecutionResult{}, errors.Wrap(ErrValidation, "handler returned unknown outcome", j.MKV{
			"flow_id": flow.FlowID,
			"phase":   string(phase),
			"outcome": result.Outcome.String(),
		})
	}

	err = o.persistFlow(ctx, flow, from, result.Payload, phase)
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	if flow.Finished() && flow.MasterFlowID != "" {
		err := o.advanceMaster(ctx, flow)
		if err != nil {
			// NoReturnErr: the child outcome is durable; master advancement is journaled for replay.
			o.journal.LogFailure(ctx, flow.TenantScope, SourceOrchestrator, "advance_master", err, map[string]string{
				"flow_id":        flow.FlowID,
				"master_flow_id": flow.MasterFlowID,
			})
		}
	}

	execResult := PhaseExecutionResult{
		FlowID:             flow.FlowID,
		Status:             statusForOutcome(result.Outcome),
		CurrentPhase:       flow.CurrentPhase,
		ProgressPercentage: progress(g, flow),
		Errors:             result.Errors,
	}

	return execResult, nil
}

// recordHandlerFailure journals a handler error and either schedules an automatic retry
// (transient) or parks the flow as failed pending human input (structural).
func (o *Orchestrator) recordHandlerFailure(ctx context.Context, g *phasegraph.Graph, flow *Flow, phase Phase, reg registration, handlerErr error, journalOnFailure bool) (PhaseExecutionResult, error) {
	kind := reg.classifier(handlerErr)

	from := flow.PhaseStatus
	flow.PhaseStatus = StatusFailed
	flow.StatusReason = handlerErr.Error()
	flow.TimeoutAt = zeroTime

	err := o.persistFlow(ctx, flow, from, nil, "")
	if err != nil {
		return PhaseExecutionResult{}, err
	}

	if journalOnFailure {
		o.journal.LogFailure(ctx, flow.TenantScope, SourceOrchestrator, string(phase), handlerErr, map[string]string{
			"flow_id": flow.FlowID,
			"phase":   string(phase),
			"kind":    kind.String(),
		})
	}

	return PhaseExecutionResult{
		FlowID:             flow.FlowID,
		Status:             StatusFailed,
		CurrentPhase:       flow.CurrentPhase,
		ProgressPercentage: progress(g, flow),
		Errors:             []string{handlerErr.Error()},
	}, nil
}

// replayPhaseFailure is the retry handler for transient phase failures: it resumes the flow,
// which re-executes the current phase. Structural failures are skipped - they wait for input
// correction or an explicit force re-entry.
func (o *Orchestrator) replayPhaseFailure(ctx context.Context, event *FailureEvent) error {
	if event.Details["kind"] != KindTransient.String() {
		return ErrAbandonRetry
	}

	flowID, ok := event.Details["flow_id"]
	if !ok {
		return errors.Wrap(ErrValidation, "failure event missing flow_id detail", j.MKV{
			"failure_id": event.FailureID,
		})
	}

	result, err := o.resumeFlow(ctx, flowID, false)
	if errors.Is(err, ErrFlowTerminal) || errors.Is(err, ErrFlowNotFound) {
		// The flow moved on or was removed; nothing left to replay.
		return nil
	} else if err != nil {
		return err
	}

	if result.Status == StatusFailed {
		// Surface the failed re-execution so the worker backs off and increments the retry count
		// on this journal row instead of resolving it.
		return errors.New("phase failed again on replay", j.MKV{
			"flow_id":    flowID,
			"failure_id": event.FailureID,
			"reason":     firstError(result.Errors),
		})
	}

	return nil
}

// persistFlow bumps the version by exactly one and writes the flow, the optional snapshot and
// the transition outbox event in a single compare-and-swapped transaction. snapshotPhase names
// the phase that produced the payload, which on advancement and forced re-runs is not the flow's
// current phase; empty means no snapshot. On failure the in-memory version is rolled back so the
// caller can safely re-fetch and retry.
func (o *Orchestrator) persistFlow(ctx context.Context, flow *Flow, from PhaseStatus, payload []byte, snapshotPhase Phase) error {
	expected := flow.Version
	flow.Version++
	flow.UpdatedAt = o.clock.Now()

	var snapshot *PhaseStateSnapshot
	if snapshotPhase != "" {
		snapshot = &PhaseStateSnapshot{
			FlowID:    flow.FlowID,
			Version:   flow.Version,
			PhaseName: snapshotPhase,
			Payload:   payload,
			CreatedAt: flow.UpdatedAt,
		}
	}

	var event *OutboxEvent
	if from != flow.PhaseStatus {
		event = makeOutboxEvent(flow, from, flow.UpdatedAt)
	}

	err := o.store.Update(ctx, flow, expected, snapshot, event)
	if err != nil {
		flow.Version = expected
		return err
	}

	metrics.PhaseTransitions.WithLabelValues(flow.FlowType.String(), from.String(), flow.PhaseStatus.String()).Inc()
	return nil
}

// advanceMaster moves the master flow to its next phase when the child flow type it was waiting
// on completes. The master's phases are named after the child flow types.
func (o *Orchestrator) advanceMaster(ctx context.Context, child *Flow) error {
	master, err := o.store.Lookup(ctx, child.MasterFlowID)
	if err != nil {
		return err
	}

	if master.Finished() {
		return nil
	}

	if master.CurrentPhase != Phase(child.FlowType.String()) {
		// The master is waiting on a different child type.
		return nil
	}

	g, err := graphFor(FlowTypeMaster)
	if err != nil {
		return err
	}

	next, ok := g.Next(string(master.CurrentPhase))
	if !ok {
		return nil
	}

	from := master.PhaseStatus
	master.CurrentPhase = Phase(next)
	if g.IsTerminal(next) {
		master.PhaseStatus = StatusCompleted
	} else {
		master.PhaseStatus = StatusInProgress
	}

	return o.persistFlow(ctx, master, from, nil, "")
}

// FlowStatus is the poll surface for callers: current phase, coarse progress and how many
// conflicts are pending user input.
func (o *Orchestrator) FlowStatus(ctx context.Context, flowID string) (FlowStatusSummary, error) {
	flow, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return FlowStatusSummary{}, err
	}

	g, err := graphFor(flow.FlowType)
	if err != nil {
		return FlowStatusSummary{}, err
	}

	pending, err := o.store.CountUnresolved(ctx, flowID)
	if err != nil {
		return FlowStatusSummary{}, err
	}

	return FlowStatusSummary{
		FlowID:             flow.FlowID,
		Status:             flow.PhaseStatus,
		CurrentPhase:       flow.CurrentPhase,
		ProgressPercentage: progress(g, flow),
		ConflictsPending:   pending,
		LastError:          flow.StatusReason,
	}, nil
}

// ListSnapshots returns the flow's full append-only state history in version order.
func (o *Orchestrator) ListSnapshots(ctx context.Context, flowID string) ([]PhaseStateSnapshot, error) {
	_, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return nil, err
	}

	return o.store.ListSnapshots(ctx, flowID)
}

func statusForOutcome(outcome Outcome) PhaseStatus {
	switch outcome {
	case OutcomeCompleted:
		return StatusCompleted
	case OutcomePausedForInput:
		return StatusPausedForInput
	default:
		return StatusFailed
	}
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}

	return errs[0]
}
