package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow"
)

func (s *Store) LookupByNaturalKey(ctx context.Context, scope masterflow.TenantScope, naturalKey string) (*masterflow.Asset, error) {
	row := s.pool.QueryRow(ctx, `select id, client_account_id, engagement_id, natural_key,
		fields, deleted, created_at, updated_at
		from assets where client_account_id = $1 and engagement_id = $2 and natural_key = $3`,
		scope.ClientAccountID, scope.EngagementID, naturalKey)

	var (
		asset  masterflow.Asset
		fields []byte
	)
	err := row.Scan(
		&asset.ID,
		&asset.TenantScope.ClientAccountID,
		&asset.TenantScope.EngagementID,
		&asset.NaturalKey,
		&fields,
		&asset.Deleted,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrAssetNotFound, "", j.MKV{
			"tenant":      scope.Partition(),
			"natural_key": naturalKey,
		})
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup asset", j.MKV{"natural_key": naturalKey})
	}

	err = json.Unmarshal(fields, &asset.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal asset fields", j.MKV{"asset_id": asset.ID})
	}

	return &asset, nil
}

func (s *Store) SaveAsset(ctx context.Context, asset *masterflow.Asset) error {
	fields, err := json.Marshal(asset.Fields)
	if err != nil {
		return errors.Wrap(err, "marshal asset fields", j.MKV{"asset_id": asset.ID})
	}

	_, err = s.pool.Exec(ctx, `insert into assets
		(id, client_account_id, engagement_id, natural_key, fields, deleted, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (client_account_id, engagement_id, natural_key)
		do update set fields = excluded.fields, deleted = excluded.deleted, updated_at = excluded.updated_at`,
		asset.ID,
		asset.TenantScope.ClientAccountID,
		asset.TenantScope.EngagementID,
		asset.NaturalKey,
		fields,
		asset.Deleted,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "save asset", j.MKV{"asset_id": asset.ID})
	}

	return nil
}

func (s *Store) CreateConflicts(ctx context.Context, records []masterflow.ConflictRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin create conflicts")
	}
	defer tx.Rollback(ctx)

	for i := range records {
		rec := &records[i]
		payload, err := json.Marshal(rec.IncomingPayload)
		if err != nil {
			return errors.Wrap(err, "marshal incoming payload", j.MKV{"conflict_id": rec.ConflictID})
		}

		conflicting, err := json.Marshal(rec.ConflictingFields)
		if err != nil {
			return errors.Wrap(err, "marshal conflicting fields", j.MKV{"conflict_id": rec.ConflictID})
		}

		_, err = tx.Exec(ctx, `insert into conflict_records
			(conflict_id, flow_id, client_account_id, engagement_id, entity_identity,
			existing_entity_id, incoming_payload, conflicting_fields, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ConflictID,
			rec.FlowID,
			rec.TenantScope.ClientAccountID,
			rec.TenantScope.EngagementID,
			rec.EntityIdentity,
			rec.ExistingEntityID,
			payload,
			conflicting,
			rec.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert conflict", j.MKV{"conflict_id": rec.ConflictID})
		}
	}

	return tx.Commit(ctx)
}

const conflictCols = `conflict_id, flow_id, client_account_id, engagement_id, entity_identity,
existing_entity_id, incoming_payload, conflicting_fields, resolution_strategy, resolved_by,
resolved_at, created_at`

func (s *Store) LookupConflict(ctx context.Context, conflictID string) (*masterflow.ConflictRecord, error) {
	row := s.pool.QueryRow(ctx, `select `+conflictCols+` from conflict_records
		where conflict_id = $1`, conflictID)

	rec, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrConflictNotFound, "", j.MKV{"conflict_id": conflictID})
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup conflict", j.MKV{"conflict_id": conflictID})
	}

	return rec, nil
}

func (s *Store) ListUnresolved(ctx context.Context, flowID string) ([]masterflow.ConflictRecord, error) {
	rows, err := s.pool.Query(ctx, `select `+conflictCols+` from conflict_records
		where flow_id = $1 and resolution_strategy is null order by created_at`, flowID)
	if err != nil {
		return nil, errors.Wrap(err, "list unresolved conflicts", j.MKV{"flow_id": flowID})
	}
	defer rows.Close()

	var records []masterflow.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conflict")
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

func (s *Store) CountUnresolved(ctx context.Context, flowID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `select count(*) from conflict_records
		where flow_id = $1 and resolution_strategy is null`, flowID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count unresolved conflicts", j.MKV{"flow_id": flowID})
	}

	return count, nil
}

// MarkResolved is a check-and-set: the null resolution_strategy predicate guarantees the first
// writer wins and every later attempt sees ErrAlreadyResolved.
func (s *Store) MarkResolved(ctx context.Context, conflictID string, strategy masterflow.ResolutionStrategy, resolvedBy string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `update conflict_records
		set resolution_strategy = $1, resolved_by = $2, resolved_at = $3
		where conflict_id = $4 and resolution_strategy is null`,
		string(strategy), resolvedBy, at, conflictID)
	if err != nil {
		return errors.Wrap(err, "mark conflict resolved", j.MKV{"conflict_id": conflictID})
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx, `select exists
			(select 1 from conflict_records where conflict_id = $1)`, conflictID).Scan(&exists)
		if err != nil {
			return errors.Wrap(err, "check conflict exists", j.MKV{"conflict_id": conflictID})
		}

		if !exists {
			return errors.Wrap(masterflow.ErrConflictNotFound, "", j.MKV{"conflict_id": conflictID})
		}

		return errors.Wrap(masterflow.ErrAlreadyResolved, "", j.MKV{"conflict_id": conflictID})
	}

	return nil
}

func scanConflict(row rowScanner) (*masterflow.ConflictRecord, error) {
	var (
		rec         masterflow.ConflictRecord
		payload     []byte
		conflicting []byte
		resolution  *string
		resolvedBy  *string
		resolvedAt  *time.Time
	)
	err := row.Scan(
		&rec.ConflictID,
		&rec.FlowID,
		&rec.TenantScope.ClientAccountID,
		&rec.TenantScope.EngagementID,
		&rec.EntityIdentity,
		&rec.ExistingEntityID,
		&payload,
		&conflicting,
		&resolution,
		&resolvedBy,
		&resolvedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(payload, &rec.IncomingPayload)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(conflicting, &rec.ConflictingFields)
	if err != nil {
		return nil, err
	}

	if resolution != nil {
		rec.Resolution = masterflow.ResolutionStrategy(*resolution)
	}
	if resolvedBy != nil {
		rec.ResolvedBy = *resolvedBy
	}
	if resolvedAt != nil {
		rec.ResolvedAt = *resolvedAt
	}

	return &rec, nil
}
