package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// InsertEvent buffers an event. Redelivery of a known ID is a no-op and
// reports inserted=false.
func (r *SQLRepository) InsertEvent(ctx context.Context, ev *domain.Event) (bool, error) {
	if err := requireID("event id", ev.ID); err != nil {
		return false, err
	}
	if err := requireID("accountID", ev.AccountID); err != nil {
		return false, err
	}

	raw := string(ev.Raw)
	if raw == "" {
		raw = "{}"
	}

	query := `
		INSERT INTO events (id, account_id, type, payload, occurred_at, received_at, scrubbed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		ev.ID, ev.AccountID, string(ev.Type), raw,
		toNanos(ev.OccurredAt), toNanos(ev.ReceivedAt),
	)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// GetEvent retrieves a buffered event with its decoded payload.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	if err := requireID("event id", eventID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, account_id, type, payload, occurred_at, received_at, scrubbed
		FROM events
		WHERE id = ?
	`

	ev, err := scanEvent(r.conn(ctx).QueryRowContext(ctx, r.rebind(query), eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	payload, err := domain.DecodePayload(ev.Type, ev.Raw)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return ev, nil
}

// ListAccountEvents returns the account's events of the given types whose
// occurrence time lies in [since, until], oldest first.
func (r *SQLRepository) ListAccountEvents(ctx context.Context, accountID string, types []domain.EventType, since, until time.Time) ([]*domain.Event, error) {
	if err := requireID("accountID", accountID); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, nil
	}

	args := []any{accountID, toNanos(since), toNanos(until)}
	for _, t := range types {
		args = append(args, string(t))
	}

	query := `
		SELECT id, account_id, type, payload, occurred_at, received_at, scrubbed
		FROM events
		WHERE account_id = ?
		  AND occurred_at >= ?
		  AND occurred_at <= ?
		  AND type IN (` + placeholders(len(types)) + `)
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		payload, err := domain.DecodePayload(ev.Type, ev.Raw)
		if err != nil {
			slog.Warn("skipping undecodable buffered event",
				"event_id", ev.ID,
				"type", ev.Type,
				"error", err,
			)
			continue
		}
		ev.Payload = payload
		events = append(events, ev)
	}

	return events, rows.Err()
}

// ScrubEvents blanks the payload of events received before the cutoff.
func (r *SQLRepository) ScrubEvents(ctx context.Context, receivedBefore time.Time) (int64, error) {
	query := `
		UPDATE events
		SET payload = '{}', scrubbed = 1
		WHERE scrubbed = 0 AND received_at < ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query), toNanos(receivedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeEvents deletes events received before the cutoff.
func (r *SQLRepository) PurgeEvents(ctx context.Context, receivedBefore time.Time) (int64, error) {
	query := `DELETE FROM events WHERE received_at < ?`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query), toNanos(receivedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertProcessedEvent inserts the idempotency guard for an event.
// inserted=false means another invocation already holds it.
func (r *SQLRepository) InsertProcessedEvent(ctx context.Context, rec *domain.ProcessedEvent) (bool, error) {
	if err := requireID("event id", rec.EventID); err != nil {
		return false, err
	}

	query := `
		INSERT INTO processed_events (event_id, account_id, duration_ms, alerts_created, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		rec.EventID, rec.AccountID, rec.DurationMs, rec.AlertsCreated, toNanos(rec.ProcessedAt),
	)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// CompleteProcessedEvent records the outcome on a guard row inserted in the
// same transaction.
func (r *SQLRepository) CompleteProcessedEvent(ctx context.Context, eventID string, durationMs int64, alertsCreated int) error {
	query := `
		UPDATE processed_events
		SET duration_ms = ?, alerts_created = ?
		WHERE event_id = ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query), durationMs, alertsCreated, eventID)
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

// GetProcessedEvent retrieves the guard row for an event.
func (r *SQLRepository) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	query := `
		SELECT event_id, account_id, duration_ms, alerts_created, processed_at
		FROM processed_events
		WHERE event_id = ?
	`

	var rec domain.ProcessedEvent
	var processedAt int64
	err := r.conn(ctx).QueryRowContext(ctx, r.rebind(query), eventID).Scan(
		&rec.EventID, &rec.AccountID, &rec.DurationMs, &rec.AlertsCreated, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ProcessedAt = fromNanos(processedAt)
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var evType, payload string
	var occurredAt, receivedAt int64
	var scrubbed bool

	if err := row.Scan(&ev.ID, &ev.AccountID, &evType, &payload, &occurredAt, &receivedAt, &scrubbed); err != nil {
		return nil, err
	}

	ev.Type = domain.EventType(evType)
	ev.Raw = []byte(payload)
	ev.OccurredAt = fromNanos(occurredAt)
	ev.ReceivedAt = fromNanos(receivedAt)
	ev.Scrubbed = scrubbed
	return &ev, nil
}
