// Package memstore provides in-memory implementations of the orchestrator's Store and RetryQueue
// interfaces. It is intended for tests and local development; data does not survive a restart.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/atlasadvisory/masterflow"
)

func New(opts ...Option) *Store {
	// Set option defaults
	opt := options{
		clock: clock.RealClock{},
	}

	// Set option overrides
	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:     opt.clock,
		flows:     make(map[string]*masterflow.Flow),
		snapshots: make(map[string][]masterflow.PhaseStateSnapshot),
		assets:    make(map[string]*masterflow.Asset),
		conflicts: make(map[string]*masterflow.ConflictRecord),
		failures:  make(map[string]*masterflow.FailureEvent),
	}
}

type options struct {
	clock clock.Clock
}

type Option func(o *options)

// WithClock overrides the store's clock, for tests that control time.
func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

var _ masterflow.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	clock clock.Clock

	flows     map[string]*masterflow.Flow
	flowOrder []string

	snapshots map[string][]masterflow.PhaseStateSnapshot

	outbox []masterflow.OutboxEvent

	assets     map[string]*masterflow.Asset
	assetOrder []string

	conflicts     map[string]*masterflow.ConflictRecord
	conflictOrder []string

	failures     map[string]*masterflow.FailureEvent
	failureOrder []string
}

func (s *Store) Create(ctx context.Context, flow *masterflow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.create(flow)
}

func (s *Store) CreateLinked(ctx context.Context, master, child *masterflow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.create(master)
	if err != nil {
		return err
	}

	return s.create(child)
}

func (s *Store) create(flow *masterflow.Flow) error {
	if _, ok := s.flows[flow.FlowID]; ok {
		return errors.Wrap(masterflow.ErrValidation, "flow already exists", j.MKV{
			"flow_id": flow.FlowID,
		})
	}

	cp := *flow
	s.flows[flow.FlowID] = &cp
	s.flowOrder = append(s.flowOrder, flow.FlowID)
	return nil
}

func (s *Store) Lookup(ctx context.Context, flowID string) (*masterflow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return nil, errors.Wrap(masterflow.ErrFlowNotFound, "", j.MKV{"flow_id": flowID})
	}

	// Return a new pointer so modifications don't affect the store.
	cp := *flow
	return &cp, nil
}

func (s *Store) LookupOpenMaster(ctx context.Context, scope masterflow.TenantScope) (*masterflow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.flowOrder {
		flow := s.flows[id]
		if flow.FlowType != masterflow.FlowTypeMaster || flow.TenantScope != scope || flow.Finished() {
			continue
		}

		cp := *flow
		return &cp, nil
	}

	return nil, errors.Wrap(masterflow.ErrFlowNotFound, "no open master", j.MKV{
		"tenant": scope.Partition(),
	})
}

func (s *Store) Update(ctx context.Context, flow *masterflow.Flow, expectedVersion int64, snapshot *masterflow.PhaseStateSnapshot, event *masterflow.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.flows[flow.FlowID]
	if !ok {
		return errors.Wrap(masterflow.ErrFlowNotFound, "", j.MKV{"flow_id": flow.FlowID})
	}

	if stored.Version != expectedVersion {
		return errors.Wrap(masterflow.ErrConcurrencyConflict, "flow version mismatch", j.MKV{
			"flow_id":          flow.FlowID,
			"expected_version": strconv.FormatInt(expectedVersion, 10),
			"stored_version":   strconv.FormatInt(stored.Version, 10),
		})
	}

	cp := *flow
	s.flows[flow.FlowID] = &cp

	if snapshot != nil {
		s.snapshots[flow.FlowID] = append(s.snapshots[flow.FlowID], *snapshot)
	}

	if event != nil {
		s.outbox = append(s.outbox, *event)
	}

	return nil
}

func (s *Store) ListByMaster(ctx context.Context, masterFlowID string) ([]masterflow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children []masterflow.Flow
	for _, id := range s.flowOrder {
		flow := s.flows[id]
		if flow.MasterFlowID != masterFlowID {
			continue
		}

		children = append(children, *flow)
	}

	return children, nil
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]masterflow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overdue []masterflow.Flow
	for _, id := range s.flowOrder {
		flow := s.flows[id]
		if flow.TimeoutAt.IsZero() || flow.TimeoutAt.After(now) {
			continue
		}

		overdue = append(overdue, *flow)
	}

	return overdue, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, flowID string) (*masterflow.PhaseStateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots[flowID]
	if len(snaps) == 0 {
		return nil, errors.Wrap(masterflow.ErrFlowNotFound, "no snapshots", j.MKV{"flow_id": flowID})
	}

	cp := snaps[len(snaps)-1]
	return &cp, nil
}

func (s *Store) ListSnapshots(ctx context.Context, flowID string) ([]masterflow.PhaseStateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots[flowID]
	out := make([]masterflow.PhaseStateSnapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, limit int) ([]masterflow.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []masterflow.OutboxEvent
	for _, e := range s.outbox {
		events = append(events, e)
		if len(events) >= limit {
			break
		}
	}

	return events, nil
}

func (s *Store) DeleteOutboxEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []masterflow.OutboxEvent
	for _, e := range s.outbox {
		if e.ID == id {
			continue
		}

		filtered = append(filtered, e)
	}

	s.outbox = filtered
	return nil
}

func (s *Store) LookupByNaturalKey(ctx context.Context, scope masterflow.TenantScope, naturalKey string) (*masterflow.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[assetKey(scope, naturalKey)]
	if !ok {
		return nil, errors.Wrap(masterflow.ErrAssetNotFound, "", j.MKV{
			"tenant":      scope.Partition(),
			"natural_key": naturalKey,
		})
	}

	cp := *asset
	cp.Fields = copyFields(asset.Fields)
	return &cp, nil
}

func (s *Store) SaveAsset(ctx context.Context, asset *masterflow.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey(asset.TenantScope, asset.NaturalKey)
	if _, ok := s.assets[key]; !ok {
		s.assetOrder = append(s.assetOrder, key)
	}

	cp := *asset
	cp.Fields = copyFields(asset.Fields)
	s.assets[key] = &cp
	return nil
}

func (s *Store) CreateConflicts(ctx context.Context, records []masterflow.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		cp := records[i]
		s.conflicts[cp.ConflictID] = &cp
		s.conflictOrder = append(s.conflictOrder, cp.ConflictID)
	}

	return nil
}

func (s *Store) LookupConflict(ctx context.Context, conflictID string) (*masterflow.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.conflicts[conflictID]
	if !ok {
		return nil, errors.Wrap(masterflow.ErrConflictNotFound, "", j.MKV{"conflict_id": conflictID})
	}

	cp := *record
	return &cp, nil
}

func (s *Store) ListUnresolved(ctx context.Context, flowID string) ([]masterflow.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unresolved []masterflow.ConflictRecord
	for _, id := range s.conflictOrder {
		record := s.conflicts[id]
		if record.FlowID != flowID || record.Resolved() {
			continue
		}

		unresolved = append(unresolved, *record)
	}

	return unresolved, nil
}

func (s *Store) CountUnresolved(ctx context.Context, flowID string) (int, error) {
	unresolved, err := s.ListUnresolved(ctx, flowID)
	if err != nil {
		return 0, err
	}

	return len(unresolved), nil
}

func (s *Store) MarkResolved(ctx context.Context, conflictID string, strategy masterflow.ResolutionStrategy, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.conflicts[conflictID]
	if !ok {
		return errors.Wrap(masterflow.ErrConflictNotFound, "", j.MKV{"conflict_id": conflictID})
	}

	if record.Resolved() {
		return errors.Wrap(masterflow.ErrAlreadyResolved, "", j.MKV{
			"conflict_id": conflictID,
			"resolution":  string(record.Resolution),
		})
	}

	record.Resolution = strategy
	record.ResolvedBy = resolvedBy
	record.ResolvedAt = at
	return nil
}

func (s *Store) CreateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.failures[event.FailureID] = &cp
	s.failureOrder = append(s.failureOrder, event.FailureID)
	return nil
}

func (s *Store) LookupFailure(ctx context.Context, failureID string) (*masterflow.FailureEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.failures[failureID]
	if !ok {
		return nil, errors.Wrap(masterflow.ErrFailureNotFound, "", j.MKV{"failure_id": failureID})
	}

	cp := *event
	return &cp, nil
}

func (s *Store) UpdateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failures[event.FailureID]; !ok {
		return errors.Wrap(masterflow.ErrFailureNotFound, "", j.MKV{"failure_id": event.FailureID})
	}

	cp := *event
	s.failures[event.FailureID] = &cp
	return nil
}

func (s *Store) ListActiveFailures(ctx context.Context) ([]masterflow.FailureEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []masterflow.FailureEvent
	for _, id := range s.failureOrder {
		event := s.failures[id]
		if event.Status.Terminal() {
			continue
		}

		active = append(active, *event)
	}

	return active, nil
}

func assetKey(scope masterflow.TenantScope, naturalKey string) string {
	return scope.Partition() + "|" + naturalKey
}

func copyFields(fields map[string]any) map[string]any {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}

	return cp
}
