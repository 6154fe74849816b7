package masterflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/atlasadvisory/masterflow/internal/metrics"
)

// FailureStatus tracks a journaled failure through retry to a terminal state.
type FailureStatus string

const (
	FailureQueued    FailureStatus = "queued"
	FailureRetrying  FailureStatus = "retrying"
	FailureResolved  FailureStatus = "resolved"
	FailureAbandoned FailureStatus = "abandoned"
)

// Terminal failures have been removed from the active queue and are retained for audit only.
func (s FailureStatus) Terminal() bool {
	return s == FailureResolved || s == FailureAbandoned
}

// Well known failure sources. A retry handler registered under the same source name replays the
// failed operation.
const (
	SourceOrchestrator     = "orchestrator"
	SourceConflictResolver = "conflict_resolver"
)

// FailureEvent is a durable record of an operation that did not complete. The relational row is
// the source of truth; the fast queue entry mirrors it until the status turns terminal. Details
// must never contain credentials or PII - that is a contract on callers, enforced by review
// rather than at runtime.
type FailureEvent struct {
	FailureID    string            `json:"failure_id"`
	TenantScope  TenantScope       `json:"tenant_scope"`
	Source       string            `json:"source"`
	Operation    string            `json:"operation"`
	ErrorMessage string            `json:"error_message"`
	Details      map[string]string `json:"details,omitempty"`
	RetryCount   int               `json:"retry_count"`
	Status       FailureStatus     `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Journal is the write-through durable log of operation failures, paired with the fast retry
// queue for low latency scheduling.
type Journal struct {
	store  FailureStore
	queue  RetryQueue
	clock  clock.Clock
	logger Logger
}

func NewJournal(store FailureStore, queue RetryQueue, clk clock.Clock, logger Logger) *Journal {
	return &Journal{
		store:  store,
		queue:  queue,
		clock:  clk,
		logger: logger,
	}
}

// LogFailure never fails: failure logging is itself failure tolerant. The relational row is
// written first; the queue mirror is best effort and a mirror failure does not fail the call.
// If even the durable store is unreachable the failure is written to the local structured log
// and an empty ID is returned.
func (jn *Journal) LogFailure(ctx context.Context, scope TenantScope, source, operation string, cause error, details map[string]string) string {
	now := jn.clock.Now()
	event := &FailureEvent{
		FailureID:    uuid.New().String(),
		TenantScope:  scope,
		Source:       source,
		Operation:    operation,
		ErrorMessage: cause.Error(),
		Details:      details,
		Status:       FailureQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := jn.store.CreateFailure(ctx, event)
	if err != nil {
		// NoReturnErr: fall back to local structured logging so the failure is never silent.
		jn.logger.Error(ctx, errors.Wrap(err, "failure journal unreachable", j.MKV{
			"source":         source,
			"operation":      operation,
			"tenant":         scope.Partition(),
			"original_error": cause.Error(),
		}))
		return ""
	}

	metrics.FailuresLogged.WithLabelValues(source).Inc()

	payload, err := json.Marshal(event)
	if err == nil {
		err = jn.queue.Enqueue(ctx, scope, event.FailureID, payload)
	}
	if err != nil {
		// NoReturnErr: the journal row is durable; the queue entry is rebuilt by RebuildQueue.
		jn.logger.Debug(ctx, "retry queue mirror failed", MKV{
			"failure_id": event.FailureID,
			"error":      err.Error(),
		})
	}

	return event.FailureID
}

// Ack marks a failure resolved. Idempotent: acking an already terminal failure is a no-op.
func (jn *Journal) Ack(ctx context.Context, failureID string) error {
	event, err := jn.store.LookupFailure(ctx, failureID)
	if err != nil {
		return err
	}

	if event.Status.Terminal() {
		return nil
	}

	event.Status = FailureResolved
	event.UpdatedAt = jn.clock.Now()
	err = jn.store.UpdateFailure(ctx, event)
	if err != nil {
		return err
	}

	return jn.queue.Remove(ctx, event.TenantScope, failureID)
}

// RebuildQueue reconstructs pending queue entries by scanning journal rows with a non-terminal
// status. Used after fast queue data loss; safe to run at any time since Enqueue deduplicates
// per failure ID at the worker (terminal rows are skipped on pop).
func (jn *Journal) RebuildQueue(ctx context.Context) (int, error) {
	active, err := jn.store.ListActiveFailures(ctx)
	if err != nil {
		return 0, err
	}

	var rebuilt int
	for i := range active {
		event := active[i]
		payload, err := json.Marshal(&event)
		if err != nil {
			return rebuilt, err
		}

		err = jn.queue.Enqueue(ctx, event.TenantScope, event.FailureID, payload)
		if err != nil {
			return rebuilt, err
		}

		rebuilt++
	}

	return rebuilt, nil
}
