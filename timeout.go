package masterflow

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// sweepStuckFlowsForever marks in-progress flows whose TimeoutAt deadline has passed as failed.
// A stuck flow usually means an executing process died mid-phase; failing it surfaces the stall
// and makes the flow eligible for resume. Sweep runs on the configured cron schedule.
func (o *Orchestrator) sweepStuckFlowsForever(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := o.clock.Now()
		next := o.sweepSchedule.Next(now)

		timer := o.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}

		err := o.sweepStuckFlows(ctx)
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) sweepStuckFlows(ctx context.Context) error {
	overdue, err := o.store.ListOverdue(ctx, o.clock.Now())
	if err != nil {
		return err
	}

	for i := range overdue {
		flow := &overdue[i]
		if flow.PhaseStatus != StatusInProgress {
			continue
		}

		from := flow.PhaseStatus
		flow.PhaseStatus = StatusFailed
		flow.StatusReason = "phase execution deadline exceeded"
		flow.TimeoutAt = zeroTime

		err := o.persistFlow(ctx, flow, from, nil, "")
		if errors.Is(err, ErrConcurrencyConflict) {
			// The flow reported back between listing and failing it.
			continue
		} else if err != nil {
			return err
		}

		o.journal.LogFailure(ctx, flow.TenantScope, SourceOrchestrator, "stuck_flow_sweep",
			errors.New("phase execution deadline exceeded", j.MKV{
				"flow_id": flow.FlowID,
				"phase":   string(flow.CurrentPhase),
			}),
			map[string]string{
				"flow_id": flow.FlowID,
				"phase":   string(flow.CurrentPhase),
				"kind":    KindTransient.String(),
			})
	}

	return nil
}
