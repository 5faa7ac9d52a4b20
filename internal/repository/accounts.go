package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// SaveAccount creates or replaces an account.
func (r *SQLRepository) SaveAccount(ctx context.Context, acct *domain.Account) error {
	if err := requireID("accountID", acct.ID); err != nil {
		return err
	}

	channels, err := json.Marshal(acct.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (id, name, channels, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, channels = excluded.channels
	`

	_, err = r.conn(ctx).ExecContext(ctx, r.rebind(query),
		acct.ID, acct.Name, string(channels), toNanos(acct.CreatedAt),
	)
	return err
}

// GetAccount retrieves an account by ID.
func (r *SQLRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if err := requireID("accountID", accountID); err != nil {
		return nil, err
	}

	query := `SELECT id, name, channels, created_at FROM accounts WHERE id = ?`

	var acct domain.Account
	var channels string
	var createdAt int64

	err := r.conn(ctx).QueryRowContext(ctx, r.rebind(query), accountID).Scan(
		&acct.ID, &acct.Name, &channels, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(channels), &acct.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels for account %s: %w", accountID, err)
	}
	acct.CreatedAt = fromNanos(createdAt)
	return &acct, nil
}

// SaveRuleSet stores the account's rule overrides as JSON.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, accountID string, rs *domain.RuleSet) error {
	if err := requireID("accountID", accountID); err != nil {
		return err
	}

	rs.AccountID = accountID
	rs.UpdatedAt = time.Now().UTC()
	config, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}

	query := `
		INSERT INTO rule_sets (account_id, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at
	`

	_, err = r.conn(ctx).ExecContext(ctx, r.rebind(query), accountID, string(config), toNanos(rs.UpdatedAt))
	return err
}

// GetRuleSet retrieves the account's rule overrides. Returns ErrNotFound
// when the account has none.
func (r *SQLRepository) GetRuleSet(ctx context.Context, accountID string) (*domain.RuleSet, error) {
	if err := requireID("accountID", accountID); err != nil {
		return nil, err
	}

	query := `SELECT config FROM rule_sets WHERE account_id = ?`

	var config string
	err := r.conn(ctx).QueryRowContext(ctx, r.rebind(query), accountID).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rs domain.RuleSet
	if err := json.Unmarshal([]byte(config), &rs); err != nil {
		return nil, fmt.Errorf("failed to decode rule set for account %s: %w", accountID, err)
	}
	rs.AccountID = accountID
	return &rs, nil
}
