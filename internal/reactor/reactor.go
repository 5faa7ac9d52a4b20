// Package reactor turns one buffered event into alerts and notification
// jobs, exactly once per event.
package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/history"
	"github.com/opensource-finance/tripwire/internal/rules"
)

var tracer = otel.Tracer("tripwire-reactor")

// Scorer assigns a risk score to a new alert.
type Scorer interface {
	Score(ctx context.Context, alertType domain.AlertType, accountID string) int
}

// Config holds reactor settings.
type Config struct {
	// MaxAttempts is copied onto every enqueued notification job.
	MaxAttempts int

	// Bus, when set, receives an alert.created message per committed alert.
	Bus domain.EventBus
}

// Reactor processes buffered events.
type Reactor struct {
	repo   domain.Repository
	loader *history.Loader
	engine *rules.Engine
	scorer Scorer
	cfg    Config
}

// New creates a new reactor.
func New(repo domain.Repository, engine *rules.Engine, scorer Scorer, cfg Config) *Reactor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Reactor{
		repo:   repo,
		loader: history.NewLoader(repo),
		engine: engine,
		scorer: scorer,
		cfg:    cfg,
	}
}

// Process runs the rules for one buffered event inside a single
// transaction. A second call for the same event reports Skipped. Any error
// rolls the whole run back, including the processed marker, so the caller
// can retry.
func (r *Reactor) Process(ctx context.Context, eventID string) (*domain.ProcessResult, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: eventID is required", domain.ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "reactor.Process",
		trace.WithAttributes(attribute.String("event.id", eventID)),
	)
	defer span.End()

	start := time.Now()
	result := &domain.ProcessResult{EventID: eventID}
	var created []domain.Alert

	err := r.repo.WithTx(ctx, func(ctx context.Context) error {
		created = nil
		result.AlertIDs = nil

		ev, err := r.repo.GetEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("failed to load event %s: %w", eventID, err)
		}

		inserted, err := r.repo.InsertProcessedEvent(ctx, &domain.ProcessedEvent{
			EventID:     ev.ID,
			AccountID:   ev.AccountID,
			ProcessedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		if !inserted {
			result.Skipped = true
			return nil
		}

		alerts, err := r.evaluate(ctx, ev)
		if err != nil {
			return err
		}

		if len(alerts) > 0 {
			channels, err := r.channels(ctx, ev.AccountID)
			if err != nil {
				return err
			}
			for i := range alerts {
				if err := r.persist(ctx, &alerts[i], channels); err != nil {
					return err
				}
				result.AlertIDs = append(result.AlertIDs, alerts[i].ID)
			}
		}

		created = alerts
		return r.repo.CompleteProcessedEvent(ctx, ev.ID, time.Since(start).Milliseconds(), len(alerts))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if result.Skipped {
		span.SetAttributes(attribute.Bool("reactor.skipped", true))
		slog.Debug("event already processed", "event_id", eventID)
		return result, nil
	}

	result.AlertsCreated = len(created)
	span.SetAttributes(attribute.Int("reactor.alerts_created", result.AlertsCreated))

	r.publish(ctx, created)

	slog.Info("event processed",
		"event_id", eventID,
		"alerts_created", result.AlertsCreated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (r *Reactor) evaluate(ctx context.Context, ev *domain.Event) ([]domain.Alert, error) {
	if ev.Scrubbed {
		slog.Warn("event payload was scrubbed before processing, no rules run", "event_id", ev.ID)
		return nil, nil
	}

	rc, err := r.loader.Load(ctx, ev)
	if err != nil {
		return nil, err
	}
	return r.engine.Evaluate(ev, rc), nil
}

// channels returns the account's enabled channels. An unknown account gets
// alerts but no notifications.
func (r *Reactor) channels(ctx context.Context, accountID string) ([]domain.Channel, error) {
	acct, err := r.repo.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("alert for unknown account, no notifications queued", "account_id", accountID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct.Channels.EnabledChannels(), nil
}

func (r *Reactor) persist(ctx context.Context, alert *domain.Alert, channels []domain.Channel) error {
	now := time.Now().UTC()

	alert.ID = uuid.New().String()
	alert.CreatedAt = now
	alert.RiskScore = r.scorer.Score(ctx, alert.Type, alert.AccountID)
	alert.Delivery = make(map[domain.Channel]domain.DeliveryStatus, len(channels))
	for _, ch := range channels {
		alert.Delivery[ch] = domain.DeliveryPending
	}

	if err := r.repo.SaveAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}

	for _, ch := range channels {
		job := &domain.NotificationJob{
			ID:            uuid.New().String(),
			AlertID:       alert.ID,
			AccountID:     alert.AccountID,
			Channel:       ch,
			MaxAttempts:   r.cfg.MaxAttempts,
			NextAttemptAt: now,
			Status:        domain.JobQueued,
		}
		if err := r.repo.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue %s job: %w", ch, err)
		}
	}
	return nil
}

// publish announces committed alerts. Failures are logged only; the
// notification jobs are already durable.
func (r *Reactor) publish(ctx context.Context, alerts []domain.Alert) {
	if r.cfg.Bus == nil {
		return
	}
	for i := range alerts {
		payload, err := json.Marshal(&alerts[i])
		if err != nil {
			continue
		}
		if err := r.cfg.Bus.Publish(ctx, alerts[i].AccountID, domain.TopicAlertCreated, payload); err != nil {
			slog.Warn("failed to publish alert",
				"alert_id", alerts[i].ID,
				"error", err,
			)
		}
	}
}
