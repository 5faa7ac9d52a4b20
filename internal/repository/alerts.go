package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// SaveAlert stores an alert and its initial delivery statuses.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if err := requireID("accountID", alert.AccountID); err != nil {
		return err
	}
	if err := requireID("alert id", alert.ID); err != nil {
		return err
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO alerts (
			id, account_id, event_id, type, rule_id, severity, message,
			payout_id, external_account_id, resolved, risk_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		alert.ID, alert.AccountID, alert.EventID,
		string(alert.Type), alert.RuleID, string(alert.Severity), alert.Message,
		alert.PayoutID, alert.ExternalAccountID,
		boolToInt(alert.Resolved), alert.RiskScore, toNanos(alert.CreatedAt),
	)
	if err != nil {
		return err
	}

	for ch, status := range alert.Delivery {
		if err := r.SetDeliveryStatus(ctx, alert.ID, ch, status); err != nil {
			return err
		}
	}
	return nil
}

// GetAlert retrieves an alert with its delivery status map.
func (r *SQLRepository) GetAlert(ctx context.Context, accountID string, alertID string) (*domain.Alert, error) {
	if err := requireID("accountID", accountID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, account_id, event_id, type, rule_id, severity, message,
			   payout_id, external_account_id, resolved, risk_score, created_at
		FROM alerts
		WHERE account_id = ? AND id = ?
	`

	alert, err := scanAlert(r.conn(ctx).QueryRowContext(ctx, r.rebind(query), accountID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.loadDeliveries(ctx, []*domain.Alert{alert}); err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns the account's alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, accountID string, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if err := requireID("accountID", accountID); err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, account_id, event_id, type, rule_id, severity, message,
			   payout_id, external_account_id, resolved, risk_score, created_at
		FROM alerts
		WHERE account_id = ?
	`
	if filter.UnresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`

	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), accountID, limit)
	if err != nil {
		return nil, err
	}

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := r.loadDeliveries(ctx, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// ResolveAlert marks an alert resolved.
func (r *SQLRepository) ResolveAlert(ctx context.Context, accountID string, alertID string) error {
	if err := requireID("accountID", accountID); err != nil {
		return err
	}

	query := `UPDATE alerts SET resolved = 1 WHERE account_id = ? AND id = ?`

	res, err := r.conn(ctx).ExecContext(ctx, r.rebind(query), accountID, alertID)
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

// SetDeliveryStatus upserts one channel's delivery status. Each channel is
// its own row so concurrent outcomes never overwrite each other.
func (r *SQLRepository) SetDeliveryStatus(ctx context.Context, alertID string, ch domain.Channel, status domain.DeliveryStatus) error {
	if err := requireID("alert id", alertID); err != nil {
		return err
	}

	query := `
		INSERT INTO alert_deliveries (alert_id, channel, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (alert_id, channel) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		alertID, string(ch), string(status), toNanos(time.Now()),
	)
	return err
}

// loadDeliveries fills the delivery map of each alert. Callers must have
// closed any open row set first.
func (r *SQLRepository) loadDeliveries(ctx context.Context, alerts []*domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Alert, len(alerts))
	args := make([]any, 0, len(alerts))
	for _, a := range alerts {
		a.Delivery = make(map[domain.Channel]domain.DeliveryStatus)
		byID[a.ID] = a
		args = append(args, a.ID)
	}

	query := `
		SELECT alert_id, channel, status
		FROM alert_deliveries
		WHERE alert_id IN (` + placeholders(len(args)) + `)
	`

	rows, err := r.conn(ctx).QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var alertID, ch, status string
		if err := rows.Scan(&alertID, &ch, &status); err != nil {
			return err
		}
		if a, ok := byID[alertID]; ok {
			a.Delivery[domain.Channel(ch)] = domain.DeliveryStatus(status)
		}
	}
	return rows.Err()
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity string
	var resolved bool
	var createdAt int64

	if err := row.Scan(
		&a.ID, &a.AccountID, &a.EventID, &alertType, &a.RuleID, &severity, &a.Message,
		&a.PayoutID, &a.ExternalAccountID, &resolved, &a.RiskScore, &createdAt,
	); err != nil {
		return nil, err
	}

	a.Type = domain.AlertType(alertType)
	a.Severity = domain.Severity(severity)
	a.Resolved = resolved
	a.CreatedAt = fromNanos(createdAt)
	return &a, nil
}

// UpsertFeedback records a reviewer's verdict. Last write wins per
// (alert, reviewer).
func (r *SQLRepository) UpsertFeedback(ctx context.Context, fb *domain.Feedback) error {
	if err := requireID("alert id", fb.AlertID); err != nil {
		return err
	}
	if err := requireID("reviewer", fb.Reviewer); err != nil {
		return err
	}
	if fb.UpdatedAt.IsZero() {
		fb.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO alert_feedback (alert_id, reviewer, account_id, alert_type, verdict, comment, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id, reviewer) DO UPDATE SET
			verdict = excluded.verdict,
			comment = excluded.comment,
			updated_at = excluded.updated_at
	`

	_, err := r.conn(ctx).ExecContext(ctx, r.rebind(query),
		fb.AlertID, fb.Reviewer, fb.AccountID, string(fb.AlertType),
		string(fb.Verdict), fb.Comment, toNanos(fb.UpdatedAt),
	)
	return err
}

// AlertFeedbackStats aggregates verdicts for one alert.
func (r *SQLRepository) AlertFeedbackStats(ctx context.Context, alertID string) (domain.FeedbackStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN verdict = 'false_positive' THEN 1 ELSE 0 END), 0)
		FROM alert_feedback
		WHERE alert_id = ?
	`

	var s domain.FeedbackStats
	err := r.conn(ctx).QueryRowContext(ctx, r.rebind(query), alertID).Scan(&s.Total, &s.FalsePositives)
	return s, err
}

// FeedbackStats aggregates verdicts for one alert type on one account.
func (r *SQLRepository) FeedbackStats(ctx context.Context, accountID string, alertType domain.AlertType) (domain.FeedbackStats, error) {
	if err := requireID("accountID", accountID); err != nil {
		return domain.FeedbackStats{}, err
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN verdict = 'false_positive' THEN 1 ELSE 0 END), 0)
		FROM alert_feedback
		WHERE account_id = ? AND alert_type = ?
	`

	var s domain.FeedbackStats
	err := r.conn(ctx).QueryRowContext(ctx, r.rebind(query), accountID, string(alertType)).Scan(&s.Total, &s.FalsePositives)
	return s, err
}

// GlobalFeedbackStats aggregates verdicts per alert type across accounts.
func (r *SQLRepository) GlobalFeedbackStats(ctx context.Context) (map[domain.AlertType]domain.FeedbackStats, error) {
	query := `
		SELECT alert_type, COUNT(*), COALESCE(SUM(CASE WHEN verdict = 'false_positive' THEN 1 ELSE 0 END), 0)
		FROM alert_feedback
		GROUP BY alert_type
	`

	rows, err := r.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[domain.AlertType]domain.FeedbackStats)
	for rows.Next() {
		var alertType string
		var s domain.FeedbackStats
		if err := rows.Scan(&alertType, &s.Total, &s.FalsePositives); err != nil {
			return nil, err
		}
		stats[domain.AlertType(alertType)] = s
	}
	return stats, rows.Err()
}
