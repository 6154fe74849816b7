package masterflow

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// CancelFlow sets the terminal cancelled status. Cancellation is cooperative and forward-only:
// it prevents future phase invocations but does not interrupt an in-flight handler call nor
// roll back side effects of prior phases. Cancelling a master flow cancels its non-terminal
// children with it, since they share its lifecycle. Idempotent on an already cancelled flow.
func (o *Orchestrator) CancelFlow(ctx context.Context, flowID, reason string) error {
	flow, err := o.store.Lookup(ctx, flowID)
	if err != nil {
		return err
	}

	if flow.PhaseStatus == StatusCancelled {
		return nil
	}

	err = o.cancelOne(ctx, flow, reason)
	if err != nil {
		return err
	}

	if flow.FlowType != FlowTypeMaster {
		return nil
	}

	children, err := o.store.ListByMaster(ctx, flow.FlowID)
	if err != nil {
		return err
	}

	for i := range children {
		child := &children[i]
		if child.PhaseStatus == StatusCancelled || child.Finished() {
			continue
		}

		err := o.cancelOne(ctx, child, reason)
		if errors.Is(err, ErrConcurrencyConflict) {
			// A child advanced mid-cancel; its next execution attempt will fail against the
			// cancelled master when it completes, and an operator can cancel it directly.
			o.logger.Debug(ctx, "child flow advanced during master cancel", MKV{
				"master_flow_id": flow.FlowID,
				"flow_id":        child.FlowID,
			})
			continue
		} else if err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) cancelOne(ctx context.Context, flow *Flow, reason string) error {
	err := validateStatusTransition(flow, StatusCancelled, ErrFlowTerminal)
	if err != nil {
		return errors.Wrap(err, "", j.MKV{
			"flow_id": flow.FlowID,
		})
	}

	from := flow.PhaseStatus
	flow.PhaseStatus = StatusCancelled
	flow.StatusReason = reason
	flow.TimeoutAt = zeroTime

	err = o.persistFlow(ctx, flow, from, nil, "")
	if err != nil {
		return err
	}

	o.logger.Debug(ctx, "flow cancelled", MKV{
		"flow_id": flow.FlowID,
		"reason":  reason,
	})

	return nil
}
