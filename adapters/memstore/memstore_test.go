package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/atlasadvisory/masterflow"
	"github.com/atlasadvisory/masterflow/adapters/memstore"
)

var scope = masterflow.TenantScope{
	ClientAccountID: "acme",
	EngagementID:    "eng-1",
}

func newFlow(id string, version int64) *masterflow.Flow {
	return &masterflow.Flow{
		FlowID:       id,
		FlowType:     masterflow.FlowTypeDiscovery,
		CurrentPhase: masterflow.PhaseDataImport,
		PhaseStatus:  masterflow.StatusPending,
		Version:      version,
		TenantScope:  scope,
	}
}

func TestCreateAndLookup(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newFlow("f1", 1)))

	flow, err := store.Lookup(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, int64(1), flow.Version)

	// Mutating the returned flow must not affect the store.
	flow.Version = 99
	again, err := store.Lookup(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, int64(1), again.Version)

	_, err = store.Lookup(ctx, "missing")
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)

	err = store.Create(ctx, newFlow("f1", 1))
	require.ErrorIs(t, err, masterflow.ErrValidation)
}

func TestUpdateCompareAndSwap(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newFlow("f1", 1)))

	updated := newFlow("f1", 2)
	updated.PhaseStatus = masterflow.StatusInProgress
	require.NoError(t, store.Update(ctx, updated, 1, nil, nil))

	// A writer holding the stale version loses.
	stale := newFlow("f1", 2)
	err := store.Update(ctx, stale, 1, nil, nil)
	require.ErrorIs(t, err, masterflow.ErrConcurrencyConflict)

	err = store.Update(ctx, newFlow("missing", 1), 1, nil, nil)
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)
}

func TestUpdateWritesSnapshotAndOutbox(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newFlow("f1", 1)))

	_, err := store.LatestSnapshot(ctx, "f1")
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)

	updated := newFlow("f1", 2)
	snap := &masterflow.PhaseStateSnapshot{
		FlowID:    "f1",
		Version:   2,
		PhaseName: masterflow.PhaseDataImport,
		Payload:   []byte(`{"rows":120}`),
	}
	event := &masterflow.OutboxEvent{
		ID:         "e1",
		FlowID:     "f1",
		FromStatus: masterflow.StatusPending,
		ToStatus:   masterflow.StatusInProgress,
	}
	require.NoError(t, store.Update(ctx, updated, 1, snap, event))

	latest, err := store.LatestSnapshot(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, int64(2), latest.Version)
	require.Equal(t, []byte(`{"rows":120}`), latest.Payload)

	snaps, err := store.ListSnapshots(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	events, err := store.ListOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.DeleteOutboxEvent(ctx, "e1"))

	events, err = store.ListOutboxEvents(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestListByMasterAndOverdue(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	master := newFlow("m1", 1)
	master.FlowType = masterflow.FlowTypeMaster
	child := newFlow("c1", 1)
	child.MasterFlowID = "m1"
	require.NoError(t, store.CreateLinked(ctx, master, child))

	children, err := store.ListByMaster(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "c1", children[0].FlowID)

	now := time.Now()
	overdue := newFlow("f2", 1)
	overdue.TimeoutAt = now.Add(-time.Minute)
	require.NoError(t, store.Create(ctx, overdue))

	notDue := newFlow("f3", 1)
	notDue.TimeoutAt = now.Add(time.Hour)
	require.NoError(t, store.Create(ctx, notDue))

	list, err := store.ListOverdue(ctx, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "f2", list[0].FlowID)
}

func TestLookupOpenMaster(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	_, err := store.LookupOpenMaster(ctx, scope)
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)

	master := newFlow("m1", 1)
	master.FlowType = masterflow.FlowTypeMaster
	master.CurrentPhase = masterflow.Phase("discovery")
	master.PhaseStatus = masterflow.StatusInProgress
	require.NoError(t, store.Create(ctx, master))

	found, err := store.LookupOpenMaster(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, "m1", found.FlowID)

	// Other tenants never see it.
	other := masterflow.TenantScope{ClientAccountID: "globex", EngagementID: "eng-9"}
	_, err = store.LookupOpenMaster(ctx, other)
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)

	// A cancelled master is no longer open.
	cancelled := *found
	cancelled.PhaseStatus = masterflow.StatusCancelled
	cancelled.Version = 2
	require.NoError(t, store.Update(ctx, &cancelled, 1, nil, nil))

	_, err = store.LookupOpenMaster(ctx, scope)
	require.ErrorIs(t, err, masterflow.ErrFlowNotFound)
}

func TestQueueFIFO(t *testing.T) {
	queue := memstore.NewQueue()
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, scope, "a", []byte("1")))
	require.NoError(t, queue.Enqueue(ctx, scope, "b", []byte("2")))
	// Duplicate enqueue after a rebuild is a no-op.
	require.NoError(t, queue.Enqueue(ctx, scope, "a", []byte("1")))

	id, ok, err := queue.PopReady(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", id)

	id, ok, err = queue.PopReady(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", id)

	_, ok, err = queue.PopReady(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueMoveDue(t *testing.T) {
	queue := memstore.NewQueue(memstore.WithClock(clock_testing.NewFakeClock(time.Now())))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, queue.ScheduleRetry(ctx, scope, "a", now.Add(-time.Second)))
	require.NoError(t, queue.ScheduleRetry(ctx, scope, "b", now.Add(time.Hour)))

	moved, err := queue.MoveDue(ctx, scope, now)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	id, ok, err := queue.PopReady(ctx, scope)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", id)

	// b is still waiting out its backoff.
	_, ok, err = queue.PopReady(ctx, scope)
	require.NoError(t, err)
	require.False(t, ok)

	moved, err = queue.MoveDue(ctx, scope, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, moved)
}

func TestQueueRemoveAndPartitions(t *testing.T) {
	queue := memstore.NewQueue()
	ctx := context.Background()

	other := masterflow.TenantScope{ClientAccountID: "globex", EngagementID: "eng-9"}

	require.NoError(t, queue.Enqueue(ctx, scope, "a", []byte("1")))
	require.NoError(t, queue.ScheduleRetry(ctx, other, "b", time.Now().Add(time.Hour)))

	partitions, err := queue.Partitions(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []masterflow.TenantScope{scope, other}, partitions)

	require.NoError(t, queue.Remove(ctx, scope, "a"))
	_, ok := queue.Payload("a")
	require.False(t, ok)

	partitions, err = queue.Partitions(ctx)
	require.NoError(t, err)
	require.Equal(t, []masterflow.TenantScope{other}, partitions)
}
