// Package dispatch delivers alert notifications from the durable job queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Config holds dispatcher settings.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	BaseDelay    time.Duration
	Lease        time.Duration
}

// Dispatcher polls due notification jobs and delivers them.
type Dispatcher struct {
	repo      domain.Repository
	notifiers map[domain.Channel]Notifier
	limiter   Limiter
	cfg       Config
	now       func() time.Time

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
}

// New creates a dispatcher. A channel without a notifier is treated as
// not configured.
func New(repo domain.Repository, notifiers map[domain.Channel]Notifier, limiter Limiter, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Dispatcher{
		repo:      repo,
		notifiers: notifiers,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled, sleeping PollInterval whenever a cycle
// finds nothing to do.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started",
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize,
		"concurrency", d.cfg.Concurrency,
	)

	for {
		n, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("dispatcher stopped")
			return nil
		}
		if err != nil {
			slog.Error("dispatch cycle failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return nil
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// RunOnce handles one batch of due jobs and returns how many it claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	jobs, err := d.repo.ListDueJobs(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var claimed atomic.Int32
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.cfg.Concurrency)

	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return int(claimed.Load()), ctx.Err()
		}

		wg.Add(1)
		go func(job *domain.NotificationJob) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := d.handle(ctx, job)
			if err != nil && ctx.Err() == nil {
				slog.Error("job handling failed",
					"job_id", job.ID,
					"alert_id", job.AlertID,
					"error", err,
				)
			}
			if ok {
				claimed.Add(1)
			}
		}(job)
	}
	wg.Wait()

	return int(claimed.Load()), nil
}

// handle claims and processes one job. It reports whether the claim won.
func (d *Dispatcher) handle(ctx context.Context, job *domain.NotificationJob) (bool, error) {
	ok, err := d.repo.ClaimJob(ctx, job, d.now().UTC().Add(d.cfg.Lease))
	if err != nil || !ok {
		return false, err
	}

	alert, err := d.repo.GetAlert(ctx, job.AccountID, job.AlertID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, d.finish(ctx, job, domain.JobFailed, "", "alert not found")
	}
	if err != nil {
		return true, d.retryOrFail(ctx, job, fmt.Errorf("failed to load alert: %w", err))
	}

	acct, err := d.repo.GetAccount(ctx, job.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, d.finish(ctx, job, domain.JobFailed, domain.DeliveryFailed, "account not found")
	}
	if err != nil {
		return true, d.retryOrFail(ctx, job, fmt.Errorf("failed to load account: %w", err))
	}

	notifier, ok := d.notifiers[job.Channel]
	if !ok || !acct.Channels.Enabled(job.Channel) {
		return true, d.finish(ctx, job, domain.JobFailed, domain.DeliveryNotConfigured, "channel not configured")
	}

	if err := d.limiter.Wait(ctx, job.AccountID, job.Channel); err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, d.retryOrFail(ctx, job, err)
	}

	if err := notifier.Send(ctx, &Notification{Alert: alert, Account: acct}); err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return true, d.retryOrFail(ctx, job, err)
	}

	d.sent.Add(1)
	slog.Info("notification sent",
		"job_id", job.ID,
		"alert_id", job.AlertID,
		"account_id", job.AccountID,
		"channel", job.Channel,
		"attempt", job.Attempts,
	)
	return true, d.finish(ctx, job, domain.JobSent, domain.DeliveryDelivered, "")
}

// retryOrFail reschedules a failed attempt with backoff, or fails the job
// terminally once attempts are exhausted.
func (d *Dispatcher) retryOrFail(ctx context.Context, job *domain.NotificationJob, cause error) error {
	if job.Attempts >= job.MaxAttempts {
		slog.Warn("notification failed permanently",
			"job_id", job.ID,
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"attempts", job.Attempts,
			"error", cause,
		)
		return d.finish(ctx, job, domain.JobFailed, domain.DeliveryFailed, cause.Error())
	}

	delay := retryDelay(d.cfg.BaseDelay, job.Attempts)
	job.Status = domain.JobQueued
	job.NextAttemptAt = d.now().UTC().Add(delay)
	job.LastError = cause.Error()

	d.retried.Add(1)
	slog.Warn("notification failed, retrying",
		"job_id", job.ID,
		"channel", job.Channel,
		"attempt", job.Attempts,
		"retry_in", delay,
		"error", cause,
	)
	return d.repo.UpdateJob(ctx, job)
}

// finish moves the job to a terminal state and records the delivery
// outcome on the alert. An empty delivery leaves the alert untouched.
func (d *Dispatcher) finish(ctx context.Context, job *domain.NotificationJob, status domain.JobStatus, delivery domain.DeliveryStatus, reason string) error {
	job.Status = status
	job.LastError = reason
	if status == domain.JobFailed {
		d.failed.Add(1)
	}

	return d.repo.WithTx(ctx, func(ctx context.Context) error {
		if err := d.repo.UpdateJob(ctx, job); err != nil {
			return err
		}
		if delivery == "" {
			return nil
		}
		return d.repo.SetDeliveryStatus(ctx, job.AlertID, job.Channel, delivery)
	})
}

// retryDelay is base×2^(attempt−1) with ±10% jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         7 * 24 * time.Hour,
	}
	b.Reset()

	delay := base
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = base
	}
	return delay
}

// Stats reports delivery counters since start.
type Stats struct {
	Sent    int64 `json:"sent"`
	Retried int64 `json:"retried"`
	Failed  int64 `json:"failed"`
}

// GetStats returns the dispatcher counters.
func (d *Dispatcher) GetStats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Retried: d.retried.Load(),
		Failed:  d.failed.Load(),
	}
}
