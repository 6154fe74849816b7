package masterflow_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/atlasadvisory/masterflow"
	"github.com/atlasadvisory/masterflow/adapters/memstore"
	"github.com/atlasadvisory/masterflow/internal/logger"
)

func newJournal(t *testing.T) (*masterflow.Journal, *memstore.Store, *memstore.Queue) {
	t.Helper()

	store := memstore.New()
	queue := memstore.NewQueue()
	jn := masterflow.NewJournal(store, queue, clock.RealClock{}, logger.New(io.Discard))
	return jn, store, queue
}

func TestLogFailure(t *testing.T) {
	jn, store, queue := newJournal(t)
	ctx := context.Background()

	failureID := jn.LogFailure(ctx, testScope, masterflow.SourceOrchestrator, "data_import",
		errors.New("connection reset"), map[string]string{"flow_id": "f1", "kind": "transient"})
	require.NotEmpty(t, failureID)

	event, err := store.LookupFailure(ctx, failureID)
	require.NoError(t, err)
	require.Equal(t, masterflow.FailureQueued, event.Status)
	require.Equal(t, "connection reset", event.ErrorMessage)
	require.Equal(t, "data_import", event.Operation)
	require.Equal(t, "f1", event.Details["flow_id"])
	require.Zero(t, event.RetryCount)

	// The fast queue mirrors the durable row.
	payload, ok := queue.Payload(failureID)
	require.True(t, ok)
	require.NotEmpty(t, payload)

	id, ok, err := queue.PopReady(ctx, testScope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, failureID, id)
}

// failingFailureStore simulates the journal's durable store being unreachable.
type failingFailureStore struct{}

func (failingFailureStore) CreateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	return errors.New("store unreachable")
}

func (failingFailureStore) LookupFailure(ctx context.Context, failureID string) (*masterflow.FailureEvent, error) {
	return nil, errors.New("store unreachable")
}

func (failingFailureStore) UpdateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	return errors.New("store unreachable")
}

func (failingFailureStore) ListActiveFailures(ctx context.Context) ([]masterflow.FailureEvent, error) {
	return nil, errors.New("store unreachable")
}

func TestLogFailureNeverFails(t *testing.T) {
	jn := masterflow.NewJournal(failingFailureStore{}, memstore.NewQueue(), clock.RealClock{}, logger.New(io.Discard))

	// The journal falls back to local logging and reports no ID rather than erroring.
	failureID := jn.LogFailure(context.Background(), testScope, masterflow.SourceOrchestrator, "data_import",
		errors.New("boom"), nil)
	require.Empty(t, failureID)
}

func TestAckIdempotent(t *testing.T) {
	jn, store, queue := newJournal(t)
	ctx := context.Background()

	failureID := jn.LogFailure(ctx, testScope, masterflow.SourceOrchestrator, "data_import",
		errors.New("boom"), nil)

	require.NoError(t, jn.Ack(ctx, failureID))

	event, err := store.LookupFailure(ctx, failureID)
	require.NoError(t, err)
	require.Equal(t, masterflow.FailureResolved, event.Status)

	_, ok := queue.Payload(failureID)
	require.False(t, ok)

	// Acking a terminal failure is a no-op.
	require.NoError(t, jn.Ack(ctx, failureID))

	err = jn.Ack(ctx, "missing")
	require.ErrorIs(t, err, masterflow.ErrFailureNotFound)
}

func TestRebuildQueue(t *testing.T) {
	jn, _, queue := newJournal(t)
	ctx := context.Background()

	first := jn.LogFailure(ctx, testScope, masterflow.SourceOrchestrator, "data_import", errors.New("a"), nil)
	second := jn.LogFailure(ctx, testScope, masterflow.SourceConflictResolver, "apply_resolution", errors.New("b"), nil)
	resolved := jn.LogFailure(ctx, testScope, masterflow.SourceOrchestrator, "data_import", errors.New("c"), nil)
	require.NoError(t, jn.Ack(ctx, resolved))

	// Simulate total fast queue data loss.
	queue.Wipe()

	partitions, err := queue.Partitions(ctx)
	require.NoError(t, err)
	require.Empty(t, partitions)

	rebuilt, err := jn.RebuildQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rebuilt)

	// Only the non-terminal rows are back, in creation order.
	id, ok, err := queue.PopReady(ctx, testScope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, id)

	id, ok, err = queue.PopReady(ctx, testScope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, id)

	_, ok, err = queue.PopReady(ctx, testScope)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJournalUsesInjectedClock(t *testing.T) {
	store := memstore.New()
	at := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	fc := clock_testing.NewFakeClock(at)
	jn := masterflow.NewJournal(store, memstore.NewQueue(), fc, logger.New(io.Discard))

	failureID := jn.LogFailure(context.Background(), testScope, masterflow.SourceOrchestrator, "op",
		errors.New("boom"), nil)

	event, err := store.LookupFailure(context.Background(), failureID)
	require.NoError(t, err)
	require.Equal(t, at, event.CreatedAt)
	require.Equal(t, at, event.UpdatedAt)
}
