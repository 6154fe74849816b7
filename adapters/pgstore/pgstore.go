// Package pgstore is the PostgreSQL implementation of the orchestrator's Store, backed by a
// pgxpool. Schema lives in schema.sql. Flow updates compare-and-swap on the version column and
// write the snapshot and outbox event in the same transaction.
package pgstore

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return errors.Wrap(err, "apply schema")
	}

	return nil
}

var _ masterflow.Store = (*Store)(nil)

const flowCols = `flow_id, flow_type, master_flow_id, current_phase, phase_status, status_reason,
version, client_account_id, engagement_id, created_at, updated_at, timeout_at`

func (s *Store) Create(ctx context.Context, flow *masterflow.Flow) error {
	_, err := s.pool.Exec(ctx, insertFlowSQL, insertFlowArgs(flow)...)
	if err != nil {
		return errors.Wrap(err, "insert flow", j.MKV{"flow_id": flow.FlowID})
	}

	return nil
}

func (s *Store) CreateLinked(ctx context.Context, master, child *masterflow.Flow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin create linked")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertFlowSQL, insertFlowArgs(master)...)
	if err != nil {
		return errors.Wrap(err, "insert master flow", j.MKV{"flow_id": master.FlowID})
	}

	_, err = tx.Exec(ctx, insertFlowSQL, insertFlowArgs(child)...)
	if err != nil {
		return errors.Wrap(err, "insert child flow", j.MKV{"flow_id": child.FlowID})
	}

	return tx.Commit(ctx)
}

const insertFlowSQL = `insert into flows (` + flowCols + `)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func insertFlowArgs(flow *masterflow.Flow) []any {
	return []any{
		flow.FlowID,
		string(flow.FlowType),
		nullString(flow.MasterFlowID),
		string(flow.CurrentPhase),
		int(flow.PhaseStatus),
		flow.StatusReason,
		flow.Version,
		flow.TenantScope.ClientAccountID,
		flow.TenantScope.EngagementID,
		flow.CreatedAt,
		flow.UpdatedAt,
		nullTime(flow.TimeoutAt),
	}
}

func (s *Store) Lookup(ctx context.Context, flowID string) (*masterflow.Flow, error) {
	row := s.pool.QueryRow(ctx, `select `+flowCols+` from flows where flow_id = $1`, flowID)
	flow, err := scanFlow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrFlowNotFound, "", j.MKV{"flow_id": flowID})
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup flow", j.MKV{"flow_id": flowID})
	}

	return flow, nil
}

// LookupOpenMaster returns the oldest master for the scope that has not finished. Masters only
// reach completed at their terminal node, so completed and cancelled rows are the finished ones.
func (s *Store) LookupOpenMaster(ctx context.Context, scope masterflow.TenantScope) (*masterflow.Flow, error) {
	row := s.pool.QueryRow(ctx, `select `+flowCols+` from flows
		where flow_type = $1 and client_account_id = $2 and engagement_id = $3
		and phase_status not in ($4, $5)
		order by created_at limit 1`,
		string(masterflow.FlowTypeMaster),
		scope.ClientAccountID,
		scope.EngagementID,
		int(masterflow.StatusCompleted),
		int(masterflow.StatusCancelled),
	)
	flow, err := scanFlow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrFlowNotFound, "no open master", j.MKV{
			"tenant": scope.Partition(),
		})
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup open master", j.MKV{"tenant": scope.Partition()})
	}

	return flow, nil
}

// Update compare-and-swaps the flow row on expectedVersion. Zero rows affected means another
// writer advanced the flow first.
func (s *Store) Update(ctx context.Context, flow *masterflow.Flow, expectedVersion int64, snapshot *masterflow.PhaseStateSnapshot, event *masterflow.OutboxEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin flow update")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `update flows set
		current_phase = $1, phase_status = $2, status_reason = $3, version = $4,
		updated_at = $5, timeout_at = $6
		where flow_id = $7 and version = $8`,
		string(flow.CurrentPhase),
		int(flow.PhaseStatus),
		flow.StatusReason,
		flow.Version,
		flow.UpdatedAt,
		nullTime(flow.TimeoutAt),
		flow.FlowID,
		expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, "update flow", j.MKV{"flow_id": flow.FlowID})
	}

	if tag.RowsAffected() == 0 {
		return errors.Wrap(masterflow.ErrConcurrencyConflict, "flow version mismatch", j.MKV{
			"flow_id":          flow.FlowID,
			"expected_version": strconv.FormatInt(expectedVersion, 10),
		})
	}

	if snapshot != nil {
		_, err = tx.Exec(ctx, `insert into phase_state_snapshots
			(flow_id, version, phase_name, payload, created_at)
			values ($1, $2, $3, $4, $5)`,
			snapshot.FlowID,
			snapshot.Version,
			string(snapshot.PhaseName),
			snapshot.Payload,
			snapshot.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert snapshot", j.MKV{"flow_id": flow.FlowID})
		}
	}

	if event != nil {
		_, err = tx.Exec(ctx, `insert into transition_outbox
			(id, flow_id, client_account_id, engagement_id, flow_type, phase, from_status, to_status, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			event.ID,
			event.FlowID,
			event.TenantScope.ClientAccountID,
			event.TenantScope.EngagementID,
			string(event.FlowType),
			string(event.Phase),
			int(event.FromStatus),
			int(event.ToStatus),
			event.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert outbox event", j.MKV{"flow_id": flow.FlowID})
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ListByMaster(ctx context.Context, masterFlowID string) ([]masterflow.Flow, error) {
	rows, err := s.pool.Query(ctx, `select `+flowCols+` from flows
		where master_flow_id = $1 order by created_at`, masterFlowID)
	if err != nil {
		return nil, errors.Wrap(err, "list by master", j.MKV{"master_flow_id": masterFlowID})
	}
	defer rows.Close()

	return collectFlows(rows)
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]masterflow.Flow, error) {
	rows, err := s.pool.Query(ctx, `select `+flowCols+` from flows
		where timeout_at is not null and timeout_at <= $1 order by timeout_at`, now)
	if err != nil {
		return nil, errors.Wrap(err, "list overdue")
	}
	defer rows.Close()

	return collectFlows(rows)
}

func (s *Store) LatestSnapshot(ctx context.Context, flowID string) (*masterflow.PhaseStateSnapshot, error) {
	row := s.pool.QueryRow(ctx, `select flow_id, version, phase_name, payload, created_at
		from phase_state_snapshots where flow_id = $1 order by version desc limit 1`, flowID)

	var (
		snap  masterflow.PhaseStateSnapshot
		phase string
	)
	err := row.Scan(&snap.FlowID, &snap.Version, &phase, &snap.Payload, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrFlowNotFound, "no snapshots", j.MKV{"flow_id": flowID})
	} else if err != nil {
		return nil, errors.Wrap(err, "latest snapshot", j.MKV{"flow_id": flowID})
	}

	snap.PhaseName = masterflow.Phase(phase)
	return &snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, flowID string) ([]masterflow.PhaseStateSnapshot, error) {
	rows, err := s.pool.Query(ctx, `select flow_id, version, phase_name, payload, created_at
		from phase_state_snapshots where flow_id = $1 order by version`, flowID)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots", j.MKV{"flow_id": flowID})
	}
	defer rows.Close()

	var snaps []masterflow.PhaseStateSnapshot
	for rows.Next() {
		var (
			snap  masterflow.PhaseStateSnapshot
			phase string
		)
		err := rows.Scan(&snap.FlowID, &snap.Version, &phase, &snap.Payload, &snap.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan snapshot")
		}

		snap.PhaseName = masterflow.Phase(phase)
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, limit int) ([]masterflow.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `select id, flow_id, client_account_id, engagement_id,
		flow_type, phase, from_status, to_status, created_at
		from transition_outbox order by created_at limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list outbox events")
	}
	defer rows.Close()

	var events []masterflow.OutboxEvent
	for rows.Next() {
		var (
			e               masterflow.OutboxEvent
			flowType, phase string
			fromInt, toInt  int
		)
		err := rows.Scan(&e.ID, &e.FlowID, &e.TenantScope.ClientAccountID, &e.TenantScope.EngagementID,
			&flowType, &phase, &fromInt, &toInt, &e.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox event")
		}

		e.FlowType = masterflow.FlowType(flowType)
		e.Phase = masterflow.Phase(phase)
		e.FromStatus = masterflow.PhaseStatus(fromInt)
		e.ToStatus = masterflow.PhaseStatus(toInt)
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *Store) DeleteOutboxEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `delete from transition_outbox where id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete outbox event", j.MKV{"event_id": id})
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*masterflow.Flow, error) {
	var (
		flow         masterflow.Flow
		flowType     string
		phase        string
		status       int
		masterFlowID *string
		timeoutAt    *time.Time
	)
	err := row.Scan(
		&flow.FlowID,
		&flowType,
		&masterFlowID,
		&phase,
		&status,
		&flow.StatusReason,
		&flow.Version,
		&flow.TenantScope.ClientAccountID,
		&flow.TenantScope.EngagementID,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&timeoutAt,
	)
	if err != nil {
		return nil, err
	}

	flow.FlowType = masterflow.FlowType(flowType)
	flow.CurrentPhase = masterflow.Phase(phase)
	flow.PhaseStatus = masterflow.PhaseStatus(status)
	if masterFlowID != nil {
		flow.MasterFlowID = *masterFlowID
	}
	if timeoutAt != nil {
		flow.TimeoutAt = *timeoutAt
	}

	return &flow, nil
}

func collectFlows(rows pgx.Rows) ([]masterflow.Flow, error) {
	var flows []masterflow.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan flow")
		}

		flows = append(flows, *flow)
	}

	return flows, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
