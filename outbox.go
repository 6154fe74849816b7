package masterflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent records one phase status transition. Events are written in the same transaction
// as the flow update and published to the transition feed by a background process, so a
// transition is never announced before it is durable and never lost once it is.
type OutboxEvent struct {
	ID          string      `json:"id"`
	FlowID      string      `json:"flow_id"`
	TenantScope TenantScope `json:"tenant_scope"`
	FlowType    FlowType    `json:"flow_type"`
	Phase       Phase       `json:"phase"`
	FromStatus  PhaseStatus `json:"from_status"`
	ToStatus    PhaseStatus `json:"to_status"`
	CreatedAt   time.Time   `json:"created_at"`
}

func makeOutboxEvent(flow *Flow, from PhaseStatus, now time.Time) *OutboxEvent {
	return &OutboxEvent{
		ID:          uuid.New().String(),
		FlowID:      flow.FlowID,
		TenantScope: flow.TenantScope,
		FlowType:    flow.FlowType,
		Phase:       flow.CurrentPhase,
		FromStatus:  from,
		ToStatus:    flow.PhaseStatus,
		CreatedAt:   now,
	}
}

// MarshalEvent serialises an outbox event for publishing.
func MarshalEvent(e OutboxEvent) ([]byte, error) {
	return json.Marshal(e)
}

// TransitionFeed publishes transition events to the rest of the platform. adapters/kafkafeed
// provides the Kafka-backed implementation. The feed is best effort from the orchestrator's
// point of view: correctness never depends on it.
type TransitionFeed interface {
	Publish(ctx context.Context, e OutboxEvent) error
}

const outboxBatchSize = 100

// publishOutboxForever drains the transition outbox into the feed. Events are only deleted
// after a successful publish, so the feed is at-least-once.
func (o *Orchestrator) publishOutboxForever(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := o.store.ListOutboxEvents(ctx, outboxBatchSize)
		if err != nil {
			return err
		}

		for _, e := range events {
			err := o.feed.Publish(ctx, e)
			if err != nil {
				return err
			}

			err = o.store.DeleteOutboxEvent(ctx, e.ID)
			if err != nil {
				return err
			}
		}

		if len(events) == outboxBatchSize {
			continue
		}

		timer := o.clock.NewTimer(o.outboxPollFrequency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}
