package masterflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// InitializeFlow creates a flow of the given type in a single atomic transaction. Child flow
// types attach to the tenant's open master so one engagement-level flow tracks all of its
// children; a master is created, flushed before the child references it, only when none is open.
// The initial phase input, when present, becomes the version 1 snapshot so the first handler
// invocation can read it.
func (o *Orchestrator) InitializeFlow(ctx context.Context, ft FlowType, scope TenantScope, initialInput []byte) (string, error) {
	if !ft.Valid() {
		return "", errors.Wrap(ErrValidation, "unknown flow type", j.MKV{
			"flow_type": ft.String(),
		})
	}

	if !scope.Valid() {
		return "", errors.Wrap(ErrValidation, "tenant scope requires client account and engagement", j.MKV{
			"client_account_id": scope.ClientAccountID,
			"engagement_id":     scope.EngagementID,
		})
	}

	g, err := graphFor(ft)
	if err != nil {
		return "", err
	}

	now := o.clock.Now()
	flow := &Flow{
		FlowID:       uuid.New().String(),
		FlowType:     ft,
		CurrentPhase: Phase(g.First()),
		PhaseStatus:  StatusPending,
		Version:      1,
		TenantScope:  scope,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if !ft.RequiresMaster() {
		err := o.store.Create(ctx, flow)
		if err != nil {
			return "", err
		}
	} else {
		master, err := o.store.LookupOpenMaster(ctx, scope)
		if errors.Is(err, ErrFlowNotFound) {
			// No open master for the engagement: mint one waiting on this child's flow type so it
			// advances the moment the child completes.
			master = &Flow{
				FlowID:       uuid.New().String(),
				FlowType:     FlowTypeMaster,
				CurrentPhase: Phase(ft.String()),
				PhaseStatus:  StatusInProgress,
				Version:      1,
				TenantScope:  scope,
				CreatedAt:    now,
				UpdatedAt:    now,
			}

			flow.MasterFlowID = master.FlowID

			err = o.store.CreateLinked(ctx, master, flow)
			if err != nil {
				return "", err
			}
		} else if err != nil {
			return "", err
		} else {
			flow.MasterFlowID = master.FlowID

			err = o.store.Create(ctx, flow)
			if err != nil {
				return "", err
			}
		}
	}

	if len(initialInput) > 0 {
		err := o.persistFlow(ctx, flow, flow.PhaseStatus, initialInput, flow.CurrentPhase)
		if err != nil {
			return "", err
		}
	}

	o.logger.Debug(ctx, "flow initialized", MKV{
		"flow_id":        flow.FlowID,
		"flow_type":      ft.String(),
		"master_flow_id": flow.MasterFlowID,
		"tenant":         scope.Partition(),
	})

	return flow.FlowID, nil
}
