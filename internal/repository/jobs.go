package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

const jobColumns = `
	id, alert_id, account_id, channel, attempts, max_attempts,
	next_attempt_at, status, last_error, created_at, updated_at
`

// EnqueueJob stores a new notification job.
func (r *SQLRepository) EnqueueJob(ctx context.Context, job *domain.NotificationJob) error {
	if err := requireID("job id", job.ID); err != nil {
		return err
	}
	if err := requireID("alert id", job.AlertID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobQueued
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}

	query := `INSERT INTO notification_jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		job.ID, job.AlertID, job.AccountID, string(job.Channel),
		job.Attempts, job.MaxAttempts, toNanos(job.NextAttemptAt),
		string(job.Status), job.LastError,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
	)
	return err
}

// GetJob retrieves a notification job.
func (r *SQLRepository) GetJob(ctx context.Context, jobID string) (*domain.NotificationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = ?`

	job, err := scanJob(r.conn(ctx).QueryRowContext(ctx, r.rebind(query), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListDueJobs returns queued jobs whose next attempt is due, oldest-due first.
func (r *SQLRepository) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*domain.NotificationJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?
	`

	return r.queryJobs(ctx, query, string(domain.JobQueued), toNanos(now), limit)
}

// ListJobsByAlert returns all jobs created for an alert.
func (r *SQLRepository) ListJobsByAlert(ctx context.Context, alertID string) ([]*domain.NotificationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE alert_id = ?
		ORDER BY channel ASC
	`

	return r.queryJobs(ctx, query, alertID)
}

// ClaimJob takes a lease on a due job by bumping its attempt count and
// pushing next_attempt_at to leaseUntil. The update only matches the
// snapshot the caller read, so exactly one dispatcher wins a job.
func (r *SQLRepository) ClaimJob(ctx context.Context, job *domain.NotificationJob, leaseUntil time.Time) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE notification_jobs
		SET attempts = attempts + 1, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ? AND next_attempt_at = ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		toNanos(leaseUntil), toNanos(now),
		job.ID, string(domain.JobQueued), job.Attempts, toNanos(job.NextAttemptAt),
	)
	if err != nil {
		return false, err
	}

	claimed, err := affectedOne(res)
	if err != nil || !claimed {
		return false, err
	}

	job.Attempts++
	job.NextAttemptAt = leaseUntil.UTC()
	job.UpdatedAt = now
	return true, nil
}

// UpdateJob persists the job's attempt bookkeeping.
func (r *SQLRepository) UpdateJob(ctx context.Context, job *domain.NotificationJob) error {
	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE notification_jobs
		SET attempts = ?, next_attempt_at = ?, status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		job.Attempts, toNanos(job.NextAttemptAt), string(job.Status), job.LastError,
		toNanos(job.UpdatedAt), job.ID,
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

func (r *SQLRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.NotificationJob, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.NotificationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*domain.NotificationJob, error) {
	var j domain.NotificationJob
	var ch, status string
	var nextAttempt, createdAt, updatedAt int64

	if err := row.Scan(
		&j.ID, &j.AlertID, &j.AccountID, &ch, &j.Attempts, &j.MaxAttempts,
		&nextAttempt, &status, &j.LastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	j.Channel = domain.Channel(ch)
	j.Status = domain.JobStatus(status)
	j.NextAttemptAt = fromNanos(nextAttempt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return &j, nil
}
