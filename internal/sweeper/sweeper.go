// Package sweeper replays dead-lettered reactor invocations.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/reactor"
)

// Config holds sweeper settings.
type Config struct {
	Interval  time.Duration
	BatchSize int

	// Concurrency bounds replays in flight during one sweep.
	Concurrency int

	MaxRetries int
	Lease      time.Duration
}

// Sweeper retries failed dispatches on a fixed schedule.
type Sweeper struct {
	repo    domain.Repository
	invoker reactor.Invoker
	cfg     Config
	now     func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Frozen   int `json:"frozen"`
}

// New creates a sweeper.
func New(repo domain.Repository, invoker reactor.Invoker, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Sweeper{repo: repo, invoker: invoker, cfg: cfg, now: time.Now}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started",
		"interval", s.cfg.Interval,
		"max_retries", s.cfg.MaxRetries,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		} else if res.Replayed+res.Failed+res.Frozen > 0 {
			slog.Info("sweep finished",
				"replayed", res.Replayed,
				"failed", res.Failed,
				"frozen", res.Frozen,
			)
		}

		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce replays every due entry once, at most Concurrency at a time.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result

	due, err := s.repo.ListDueFailedDispatches(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list dead letters: %w", err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)

	for _, rec := range due {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return res, ctx.Err()
		}

		wg.Add(1)
		go func(rec *domain.FailedDispatch) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.replay(ctx, rec)
			if err != nil {
				slog.Error("dead letter bookkeeping failed",
					"dead_letter_id", rec.ID,
					"event_id", rec.EventID,
					"error", err,
				)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeReplayed:
				res.Replayed++
			case outcomeFailed:
				res.Failed++
			case outcomeFrozen:
				res.Frozen++
			}
		}(rec)
	}
	wg.Wait()

	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeReplayed
	outcomeFailed
	outcomeFrozen
)

func (s *Sweeper) replay(ctx context.Context, rec *domain.FailedDispatch) (outcome, error) {
	ok, err := s.repo.ClaimFailedDispatch(ctx, rec, s.now().UTC().Add(s.cfg.Lease))
	if err != nil || !ok {
		return outcomeSkipped, err
	}

	result, invokeErr := s.invoker.Invoke(ctx, rec.EventID)
	if invokeErr == nil {
		if err := s.repo.DeleteFailedDispatch(ctx, rec.ID); err != nil {
			return outcomeSkipped, err
		}
		slog.Info("dead letter replayed",
			"dead_letter_id", rec.ID,
			"event_id", rec.EventID,
			"skipped", result.Skipped,
			"alerts_created", result.AlertsCreated,
		)
		return outcomeReplayed, nil
	}

	rec.RetryCount++
	rec.LastError = invokeErr.Error()

	if rec.RetryCount > s.cfg.MaxRetries {
		rec.NextAttemptAt = nil
		slog.Warn("dead letter frozen",
			"dead_letter_id", rec.ID,
			"event_id", rec.EventID,
			"retry_count", rec.RetryCount,
			"error", invokeErr,
		)
		return outcomeFrozen, s.repo.UpdateFailedDispatch(ctx, rec)
	}

	next := s.now().UTC().Add(domain.DeadLetterDelay(rec.RetryCount))
	rec.NextAttemptAt = &next
	slog.Warn("dead letter replay failed",
		"dead_letter_id", rec.ID,
		"event_id", rec.EventID,
		"retry_count", rec.RetryCount,
		"next_attempt_at", next,
		"error", invokeErr,
	)
	return outcomeFailed, s.repo.UpdateFailedDispatch(ctx, rec)
}
