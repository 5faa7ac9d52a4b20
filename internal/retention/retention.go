// Package retention ages buffered events out of the event buffer.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Store is the part of the repository the janitor needs.
type Store interface {
	ScrubEvents(ctx context.Context, receivedBefore time.Time) (int64, error)
	PurgeEvents(ctx context.Context, receivedBefore time.Time) (int64, error)
}

// Janitor scrubs payloads after ScrubAfter and deletes events after
// PurgeAfter. A zero duration disables that step.
type Janitor struct {
	store Store
	cfg   domain.RetentionConfig
	now   func() time.Time
}

// Result counts the rows touched by one pass.
type Result struct {
	Scrubbed int64 `json:"scrubbed"`
	Purged   int64 `json:"purged"`
}

// NewJanitor creates a janitor.
func NewJanitor(store Store, cfg domain.RetentionConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Janitor{store: store, cfg: cfg, now: time.Now}
}

// RunOnce performs one retention pass.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := j.now().UTC()

	if j.cfg.ScrubAfter > 0 {
		n, err := j.store.ScrubEvents(ctx, now.Add(-j.cfg.ScrubAfter))
		if err != nil {
			return res, fmt.Errorf("failed to scrub events: %w", err)
		}
		res.Scrubbed = n
	}

	if j.cfg.PurgeAfter > 0 {
		n, err := j.store.PurgeEvents(ctx, now.Add(-j.cfg.PurgeAfter))
		if err != nil {
			return res, fmt.Errorf("failed to purge events: %w", err)
		}
		res.Purged = n
	}

	return res, nil
}

// Run performs a pass every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := j.RunOnce(ctx)
		if err != nil {
			slog.Error("retention pass failed", "error", err)
		} else if res.Scrubbed > 0 || res.Purged > 0 {
			slog.Info("retention pass finished",
				"scrubbed", res.Scrubbed,
				"purged", res.Purged,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
