package masterflow

import (
	"context"
	"time"
)

// FlowStore is the durable source of truth for flows and their snapshots. Implementations must
// support transactions: Update persists the flow row, the appended snapshot and the transition
// outbox event as a single atomic write, compare-and-swapped on the expected version.
type FlowStore interface {
	// Create persists a new flow. The flow must already carry its identity and tenant scope.
	Create(ctx context.Context, flow *Flow) error

	// CreateLinked persists a master and its first child in one transaction. The master insert
	// is flushed before the child row references it.
	CreateLinked(ctx context.Context, master, child *Flow) error

	Lookup(ctx context.Context, flowID string) (*Flow, error)

	// LookupOpenMaster returns the master flow still accepting children within the tenant scope,
	// or ErrFlowNotFound when every master for the scope has finished.
	LookupOpenMaster(ctx context.Context, scope TenantScope) (*Flow, error)

	// Update compare-and-swaps the flow on expectedVersion, returning ErrConcurrencyConflict
	// when the stored version differs. The snapshot may be nil for bookkeeping-only transitions.
	// The outbox event, when non-nil, is written in the same transaction.
	Update(ctx context.Context, flow *Flow, expectedVersion int64, snapshot *PhaseStateSnapshot, event *OutboxEvent) error

	ListByMaster(ctx context.Context, masterFlowID string) ([]Flow, error)

	// ListOverdue returns in-progress flows whose TimeoutAt deadline has passed.
	ListOverdue(ctx context.Context, now time.Time) ([]Flow, error)

	// LatestSnapshot returns the highest-version snapshot for the flow, or ErrFlowNotFound when
	// none exists yet.
	LatestSnapshot(ctx context.Context, flowID string) (*PhaseStateSnapshot, error)

	ListSnapshots(ctx context.Context, flowID string) ([]PhaseStateSnapshot, error)

	// ListOutboxEvents lists transition events yet to be published to the feed.
	ListOutboxEvents(ctx context.Context, limit int) ([]OutboxEvent, error)

	// DeleteOutboxEvent removes an event once it has been published.
	DeleteOutboxEvent(ctx context.Context, id string) error
}

// AssetStore holds the existing entities the conflict detector matches incoming imports against.
// LookupByNaturalKey must return soft deleted rows so the detector can resurrect them.
type AssetStore interface {
	LookupByNaturalKey(ctx context.Context, scope TenantScope, naturalKey string) (*Asset, error)
	SaveAsset(ctx context.Context, asset *Asset) error
}

// ConflictStore persists conflict records. Records are never deleted; resolution is a
// check-and-set that fails with ErrAlreadyResolved on a second attempt.
type ConflictStore interface {
	CreateConflicts(ctx context.Context, records []ConflictRecord) error
	LookupConflict(ctx context.Context, conflictID string) (*ConflictRecord, error)
	ListUnresolved(ctx context.Context, flowID string) ([]ConflictRecord, error)
	CountUnresolved(ctx context.Context, flowID string) (int, error)
	MarkResolved(ctx context.Context, conflictID string, strategy ResolutionStrategy, resolvedBy string, at time.Time) error
}

// FailureStore is the relational side of the failure journal and the source of truth the fast
// queue can always be rebuilt from.
type FailureStore interface {
	CreateFailure(ctx context.Context, event *FailureEvent) error
	LookupFailure(ctx context.Context, failureID string) (*FailureEvent, error)
	UpdateFailure(ctx context.Context, event *FailureEvent) error
	// ListActiveFailures returns every journal row with a non-terminal status.
	ListActiveFailures(ctx context.Context) ([]FailureEvent, error)
}

// Store aggregates the durable stores the orchestrator needs. memstore and pgstore implement it
// in full.
type Store interface {
	FlowStore
	AssetStore
	ConflictStore
	FailureStore
}

// RetryQueue is the fast, rebuildable scheduling layer in front of the failure journal. Entries
// are partitioned per tenant: a FIFO of ready failure IDs plus a time-ordered backoff set. The
// queue is a performance optimization only and may lose data; the journal rebuilds it.
type RetryQueue interface {
	// Enqueue appends the failure ID to the tenant's ready FIFO and mirrors the payload.
	Enqueue(ctx context.Context, scope TenantScope, failureID string, payload []byte) error

	// ScheduleRetry places the failure ID in the tenant's backoff set keyed by retryAt.
	ScheduleRetry(ctx context.Context, scope TenantScope, failureID string, retryAt time.Time) error

	// PopReady pops the oldest ready failure ID for the tenant. ok is false when the FIFO is
	// empty.
	PopReady(ctx context.Context, scope TenantScope) (failureID string, ok bool, err error)

	// MoveDue moves backoff entries whose retryAt has passed back onto the ready FIFO and
	// returns how many moved.
	MoveDue(ctx context.Context, scope TenantScope, now time.Time) (int, error)

	// Remove drops the failure ID from both the FIFO and the backoff set along with its payload.
	Remove(ctx context.Context, scope TenantScope, failureID string) error

	// Partitions lists tenants that currently have queued or scheduled work.
	Partitions(ctx context.Context) ([]TenantScope, error)
}
