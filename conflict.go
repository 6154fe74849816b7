package masterflow

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/atlasadvisory/masterflow/internal/metrics"
)

// ResolutionStrategy decides what happens to the incoming payload of a resolved conflict.
type ResolutionStrategy string

const (
	// ResolutionKeepExisting discards the incoming payload.
	ResolutionKeepExisting ResolutionStrategy = "keep_existing"
	// ResolutionReplace overwrites the existing asset with the incoming payload.
	ResolutionReplace ResolutionStrategy = "replace"
	// ResolutionMerge overwrites only the recorded conflicting fields with the incoming values,
	// leaving every other existing field untouched. Non-conflicting incoming fields absent from
	// the existing asset are not added.
	ResolutionMerge ResolutionStrategy = "merge"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionKeepExisting, ResolutionReplace, ResolutionMerge:
		return true
	default:
		return false
	}
}

// ConflictRecord is a detected collision between an incoming entity and an existing asset with
// the same natural key. Records are retained indefinitely for audit and resolved exactly once.
type ConflictRecord struct {
	ConflictID        string             `json:"conflict_id"`
	FlowID            string             `json:"flow_id"`
	TenantScope       TenantScope        `json:"tenant_scope"`
	EntityIdentity    string             `json:"entity_identity"`
	ExistingEntityID  string             `json:"existing_entity_id"`
	IncomingPayload   map[string]any     `json:"incoming_payload"`
	ConflictingFields []string           `json:"conflicting_fields"`
	Resolution        ResolutionStrategy `json:"resolution_strategy,omitempty"`
	ResolvedBy        string             `json:"resolved_by,omitempty"`
	ResolvedAt        time.Time          `json:"resolved_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

func (c *ConflictRecord) Resolved() bool {
	return c.Resolution != ""
}

// IncomingEntity is one entity of an import batch, matched by NaturalKey within a tenant scope.
type IncomingEntity struct {
	NaturalKey string         `json:"natural_key"`
	Fields     map[string]any `json:"fields"`
}

type ConflictDetectionResult struct {
	ConflictFree int      `json:"conflict_free"`
	Conflicts    int      `json:"conflicts"`
	ConflictIDs  []string `json:"conflict_ids,omitempty"`
}

// ConflictResolver detects collisions between incoming entities and existing assets and applies
// resolutions. It owns no connections: stores are injected by the orchestrator.
type ConflictResolver struct {
	store   Store
	journal *Journal
	clock   clock.Clock
	logger  Logger
}

func NewConflictResolver(store Store, journal *Journal, clk clock.Clock, logger Logger) *ConflictResolver {
	return &ConflictResolver{
		store:   store,
		journal: journal,
		clock:   clk,
		logger:  logger,
	}
}

// DetectConflicts matches each incoming entity against the asset store by natural key within the
// tenant scope. Conflict-free entities are committed immediately; conflicted ones wait for
// resolution. Two incoming entities sharing a natural key are merged against each other first,
// last wins, before the merged result is compared to the existing asset.
func (r *ConflictResolver) DetectConflicts(ctx context.Context, flowID string, scope TenantScope, incoming []IncomingEntity) (ConflictDetectionResult, error) {
	if !scope.Valid() {
		return ConflictDetectionResult{}, errors.Wrap(ErrValidation, "tenant scope is required", j.MKV{
			"flow_id": flowID,
		})
	}

	var (
		result  ConflictDetectionResult
		records []ConflictRecord
	)

	for _, entity := range dedupeBatch(incoming) {
		existing, err := r.store.LookupByNaturalKey(ctx, scope, entity.NaturalKey)
		if errors.Is(err, ErrAssetNotFound) {
			err := r.commitNew(ctx, scope, entity)
			if err != nil {
				return ConflictDetectionResult{}, err
			}

			result.ConflictFree++
			continue
		} else if err != nil {
			return ConflictDetectionResult{}, err
		}

		if existing.Deleted {
			// A match against a soft deleted asset is a resurrection, not a conflict.
			existing.Fields = entity.Fields
			existing.Deleted = false
			existing.UpdatedAt = r.clock.Now()
			err := r.store.SaveAsset(ctx, existing)
			if err != nil {
				return ConflictDetectionResult{}, err
			}

			result.ConflictFree++
			continue
		}

		diff := conflictingFields(existing.Fields, entity.Fields)
		if len(diff) == 0 {
			// Idempotent re-import.
			result.ConflictFree++
			continue
		}

		records = append(records, ConflictRecord{
			ConflictID:        uuid.New().String(),
			FlowID:            flowID,
			TenantScope:       scope,
			EntityIdentity:    entity.NaturalKey,
			ExistingEntityID:  existing.ID,
			IncomingPayload:   entity.Fields,
			ConflictingFields: diff,
			CreatedAt:         r.clock.Now(),
		})
	}

	if len(records) > 0 {
		err := r.store.CreateConflicts(ctx, records)
		if err != nil {
			return ConflictDetectionResult{}, err
		}

		for _, rec := range records {
			result.ConflictIDs = append(result.ConflictIDs, rec.ConflictID)
		}

		result.Conflicts = len(records)
		metrics.ConflictsDetected.WithLabelValues(scope.Partition()).Add(float64(len(records)))

		err = r.pauseForConflicts(ctx, flowID, len(records))
		if err != nil {
			return ConflictDetectionResult{}, err
		}
	}

	return result, nil
}

// pauseForConflicts parks a pending flow the moment conflicts are recorded against it, so the
// stored status reflects that user input is now required. A flow mid-execution is left alone:
// the running handler's outcome write owns the status. Detection against a flow ID with no flow
// row, as batch imports do before flow bookkeeping exists, is not an error.
func (r *ConflictResolver) pauseForConflicts(ctx context.Context, flowID string, count int) error {
	flow, err := r.store.Lookup(ctx, flowID)
	if errors.Is(err, ErrFlowNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if flow.PhaseStatus != StatusPending {
		return nil
	}

	from := flow.PhaseStatus
	flow.PhaseStatus = StatusPausedForInput
	flow.StatusReason = fmt.Sprintf("%d unresolved conflicts pending user input", count)
	expected := flow.Version
	flow.Version++
	flow.UpdatedAt = r.clock.Now()

	return r.store.Update(ctx, flow, expected, nil, makeOutboxEvent(flow, from, flow.UpdatedAt))
}

func (r *ConflictResolver) commitNew(ctx context.Context, scope TenantScope, entity IncomingEntity) error {
	now := r.clock.Now()
	return r.store.SaveAsset(ctx, &Asset{
		ID:          uuid.New().String(),
		TenantScope: scope,
		NaturalKey:  entity.NaturalKey,
		Fields:      entity.Fields,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// dedupeBatch collapses incoming entities sharing a natural key, last wins, preserving first
// occurrence order.
func dedupeBatch(incoming []IncomingEntity) []IncomingEntity {
	index := make(map[string]int)
	var out []IncomingEntity
	for _, entity := range incoming {
		if i, ok := index[entity.NaturalKey]; ok {
			merged := make(map[string]any, len(out[i].Fields)+len(entity.Fields))
			for k, v := range out[i].Fields {
				merged[k] = v
			}
			for k, v := range entity.Fields {
				merged[k] = v
			}
			out[i].Fields = merged
			continue
		}

		index[entity.NaturalKey] = len(out)
		out = append(out, entity)
	}

	return out
}

// conflictingFields returns exactly the incoming field names whose values differ from the
// existing asset. Fields absent from the existing asset are not conflicts: they only matter
// under a replace resolution.
func conflictingFields(existing, incoming map[string]any) []string {
	var diff []string
	for name, incomingValue := range incoming {
		existingValue, ok := existing[name]
		if !ok {
			continue
		}

		if !reflect.DeepEqual(existingValue, incomingValue) {
			diff = append(diff, name)
		}
	}

	sort.Strings(diff)
	return diff
}

// ResolveConflict applies the strategy to a single conflict. Resolution is exactly once: the
// second attempt returns ErrAlreadyResolved and leaves the first resolution unchanged. The
// resolution record is written before the asset is touched; if applying the strategy fails the
// failure is journaled for replay under the conflict_resolver source.
func (r *ConflictResolver) ResolveConflict(ctx context.Context, conflictID string, strategy ResolutionStrategy, resolvedBy string) error {
	if !strategy.Valid() {
		return errors.Wrap(ErrValidation, "unknown resolution strategy", j.MKV{
			"conflict_id": conflictID,
			"strategy":    string(strategy),
		})
	}

	record, err := r.store.LookupConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	err = r.store.MarkResolved(ctx, conflictID, strategy, resolvedBy, r.clock.Now())
	if err != nil {
		return err
	}

	err = r.applyResolution(ctx, record, strategy)
	if err != nil {
		r.journal.LogFailure(ctx, record.TenantScope, SourceConflictResolver, "apply_resolution", err, map[string]string{
			"conflict_id": conflictID,
			"strategy":    string(strategy),
		})
		return err
	}

	return nil
}

func (r *ConflictResolver) applyResolution(ctx context.Context, record *ConflictRecord, strategy ResolutionStrategy) error {
	if strategy == ResolutionKeepExisting {
		return nil
	}

	asset, err := r.store.LookupByNaturalKey(ctx, record.TenantScope, record.EntityIdentity)
	if err != nil {
		return err
	}

	switch strategy {
	case ResolutionReplace:
		asset.Fields = record.IncomingPayload
	case ResolutionMerge:
		for _, name := range record.ConflictingFields {
			if v, ok := record.IncomingPayload[name]; ok {
				asset.Fields[name] = v
			}
		}
	}

	asset.UpdatedAt = r.clock.Now()
	return r.store.SaveAsset(ctx, asset)
}

// ListUnresolved returns the pending conflicts blocking a flow, oldest first.
func (r *ConflictResolver) ListUnresolved(ctx context.Context, flowID string) ([]ConflictRecord, error) {
	return r.store.ListUnresolved(ctx, flowID)
}

// ResolveBulk applies one strategy to every unresolved conflict for a flow, writing one
// resolution record per conflict for audit completeness. Returns how many were resolved.
func (r *ConflictResolver) ResolveBulk(ctx context.Context, flowID string, strategy ResolutionStrategy, resolvedBy string) (int, error) {
	unresolved, err := r.store.ListUnresolved(ctx, flowID)
	if err != nil {
		return 0, err
	}

	var resolved int
	for _, record := range unresolved {
		err := r.ResolveConflict(ctx, record.ConflictID, strategy, resolvedBy)
		if errors.Is(err, ErrAlreadyResolved) {
			// Raced with an individual resolution.
			continue
		} else if err != nil {
			return resolved, err
		}

		resolved++
	}

	return resolved, nil
}

// replayResolution is the retry handler for journaled resolution failures: it re-applies the
// already-recorded strategy to the asset. Safe to repeat, the apply is idempotent.
func (r *ConflictResolver) replayResolution(ctx context.Context, event *FailureEvent) error {
	conflictID, ok := event.Details["conflict_id"]
	if !ok {
		return errors.Wrap(ErrValidation, "failure event missing conflict_id detail", j.MKV{
			"failure_id": event.FailureID,
		})
	}

	record, err := r.store.LookupConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	if !record.Resolved() {
		return nil
	}

	return r.applyResolution(ctx, record, record.Resolution)
}
