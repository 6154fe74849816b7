package pgstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/atlasadvisory/masterflow"
)

const failureCols = `failure_id, client_account_id, engagement_id, source, operation,
error_message, details, retry_count, status, created_at, updated_at`

func (s *Store) CreateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return errors.Wrap(err, "marshal failure details", j.MKV{"failure_id": event.FailureID})
	}

	_, err = s.pool.Exec(ctx, `insert into failure_events (`+failureCols+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.FailureID,
		event.TenantScope.ClientAccountID,
		event.TenantScope.EngagementID,
		event.Source,
		event.Operation,
		event.ErrorMessage,
		details,
		event.RetryCount,
		string(event.Status),
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert failure event", j.MKV{"failure_id": event.FailureID})
	}

	return nil
}

func (s *Store) LookupFailure(ctx context.Context, failureID string) (*masterflow.FailureEvent, error) {
	row := s.pool.QueryRow(ctx, `select `+failureCols+` from failure_events
		where failure_id = $1`, failureID)

	event, err := scanFailure(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(masterflow.ErrFailureNotFound, "", j.MKV{"failure_id": failureID})
	} else if err != nil {
		return nil, errors.Wrap(err, "lookup failure", j.MKV{"failure_id": failureID})
	}

	return event, nil
}

func (s *Store) UpdateFailure(ctx context.Context, event *masterflow.FailureEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return errors.Wrap(err, "marshal failure details", j.MKV{"failure_id": event.FailureID})
	}

	tag, err := s.pool.Exec(ctx, `update failure_events set
		error_message = $1, details = $2, retry_count = $3, status = $4, updated_at = $5
		where failure_id = $6`,
		event.ErrorMessage,
		details,
		event.RetryCount,
		string(event.Status),
		event.UpdatedAt,
		event.FailureID,
	)
	if err != nil {
		return errors.Wrap(err, "update failure event", j.MKV{"failure_id": event.FailureID})
	}

	if tag.RowsAffected() == 0 {
		return errors.Wrap(masterflow.ErrFailureNotFound, "", j.MKV{"failure_id": event.FailureID})
	}

	return nil
}

func (s *Store) ListActiveFailures(ctx context.Context) ([]masterflow.FailureEvent, error) {
	rows, err := s.pool.Query(ctx, `select `+failureCols+` from failure_events
		where status in ('queued', 'retrying') order by created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list active failures")
	}
	defer rows.Close()

	var events []masterflow.FailureEvent
	for rows.Next() {
		event, err := scanFailure(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan failure event")
		}

		events = append(events, *event)
	}

	return events, rows.Err()
}

func scanFailure(row rowScanner) (*masterflow.FailureEvent, error) {
	var (
		event   masterflow.FailureEvent
		details []byte
		status  string
	)
	err := row.Scan(
		&event.FailureID,
		&event.TenantScope.ClientAccountID,
		&event.TenantScope.EngagementID,
		&event.Source,
		&event.Operation,
		&event.ErrorMessage,
		&details,
		&event.RetryCount,
		&status,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(details, &event.Details)
	if err != nil {
		return nil, err
	}

	event.Status = masterflow.FailureStatus(status)
	return &event, nil
}
