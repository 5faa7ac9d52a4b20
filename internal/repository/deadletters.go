package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

const failedDispatchColumns = `
	id, event_id, account_id, endpoint, retry_count, last_error,
	next_attempt_at, created_at, updated_at
`

// SaveFailedDispatch stores a new dead-letter entry.
func (r *SQLRepository) SaveFailedDispatch(ctx context.Context, rec *domain.FailedDispatch) error {
	if err := requireID("dead letter id", rec.ID); err != nil {
		return err
	}
	if err := requireID("event id", rec.EventID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `INSERT INTO failed_dispatches (` + failedDispatchColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		rec.ID, rec.EventID, rec.AccountID, rec.Endpoint,
		rec.RetryCount, rec.LastError, nullableNanos(rec.NextAttemptAt),
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
	)
	return err
}

// ListDueFailedDispatches returns unfrozen entries whose next attempt is due.
func (r *SQLRepository) ListDueFailedDispatches(ctx context.Context, now time.Time, limit int) ([]*domain.FailedDispatch, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + failedDispatchColumns + `
		FROM failed_dispatches
		WHERE next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`

	return r.queryFailedDispatches(ctx, query, toNanos(now), limit)
}

// ListFailedDispatches returns all entries, frozen ones included, newest first.
func (r *SQLRepository) ListFailedDispatches(ctx context.Context, limit int) ([]*domain.FailedDispatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT ` + failedDispatchColumns + `
		FROM failed_dispatches
		ORDER BY updated_at DESC
		LIMIT ?
	`

	return r.queryFailedDispatches(ctx, query, limit)
}

// ClaimFailedDispatch leases a due entry so that concurrent sweepers do not
// replay it twice.
func (r *SQLRepository) ClaimFailedDispatch(ctx context.Context, rec *domain.FailedDispatch, leaseUntil time.Time) (bool, error) {
	if rec.NextAttemptAt == nil {
		return false, nil
	}
	now := time.Now().UTC()

	query := `
		UPDATE failed_dispatches
		SET next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND retry_count = ? AND next_attempt_at = ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		toNanos(leaseUntil), toNanos(now),
		rec.ID, rec.RetryCount, toNanos(*rec.NextAttemptAt),
	)
	if err != nil {
		return false, err
	}

	claimed, err := affectedOne(res)
	if err != nil || !claimed {
		return false, err
	}

	lease := leaseUntil.UTC()
	rec.NextAttemptAt = &lease
	rec.UpdatedAt = now
	return true, nil
}

// UpdateFailedDispatch persists retry bookkeeping.
func (r *SQLRepository) UpdateFailedDispatch(ctx context.Context, rec *domain.FailedDispatch) error {
	rec.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE failed_dispatches
		SET retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		rec.RetryCount, rec.LastError, nullableNanos(rec.NextAttemptAt), toNanos(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteFailedDispatch removes an entry after a successful replay.
func (r *SQLRepository) DeleteFailedDispatch(ctx context.Context, id string) error {
	query := `DELETE FROM failed_dispatches WHERE id = ?`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query), id)
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) queryFailedDispatches(ctx context.Context, query string, args ...any) ([]*domain.FailedDispatch, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.FailedDispatch
	for rows.Next() {
		var rec domain.FailedDispatch
		var next sql.NullInt64
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.AccountID, &rec.Endpoint,
			&rec.RetryCount, &rec.LastError, &next, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}

		if next.Valid {
			t := fromNanos(next.Int64)
			rec.NextAttemptAt = &t
		}
		rec.CreatedAt = fromNanos(createdAt)
		rec.UpdatedAt = fromNanos(updatedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}
