// Package history builds the rule context for an event: the account's rule
// set and its recent events.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/rules"
)

// Store is the slice of the repository the loader reads.
type Store interface {
	GetRuleSet(ctx context.Context, accountID string) (*domain.RuleSet, error)
	ListAccountEvents(ctx context.Context, accountID string, types []domain.EventType, since, until time.Time) ([]*domain.Event, error)
}

// Loader loads rule contexts.
type Loader struct {
	store Store
}

// NewLoader creates a new history loader.
func NewLoader(store Store) *Loader {
	return &Loader{store: store}
}

// RuleSet returns the account's rule set. An account without overrides, or
// one whose overrides cannot be read, gets the defaults.
func (l *Loader) RuleSet(ctx context.Context, accountID string) *domain.RuleSet {
	rs, err := l.store.GetRuleSet(ctx, accountID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("rule set lookup failed, using defaults",
				"account_id", accountID,
				"error", err,
			)
		}
		rs = domain.DefaultRuleSet()
		rs.AccountID = accountID
		return rs
	}
	return rs.Normalize()
}

// Load returns the rule context for ev. History covers the longest window
// any enabled rule needs, ending at the event's occurrence time.
func (l *Loader) Load(ctx context.Context, ev *domain.Event) (*rules.Context, error) {
	if ev.AccountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", domain.ErrInvalidInput)
	}

	rs := l.RuleSet(ctx, ev.AccountID)

	rc := &rules.Context{
		AccountID: ev.AccountID,
		RuleSet:   rs,
	}

	lookback := rs.MaxLookback()
	if lookback == 0 && !rs.HasActiveCustomRules() {
		return rc, nil
	}

	events, err := l.store.ListAccountEvents(ctx, ev.AccountID, rules.HistoryTypes,
		ev.OccurredAt.Add(-lookback), ev.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	rc.History = events
	return rc, nil
}
