// Package ingest verifies, validates and buffers inbound provider events,
// then hands them to the reactor.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/reactor"
)

// AccountHeader is the HTTP header carrying an explicit account hint.
const AccountHeader = "X-Account-ID"

// Rejection errors. None of them are retried.
var (
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrSignatureStale        = fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	ErrUnsupportedEventType  = domain.ErrUnsupportedEventType
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrMissingAccountContext = errors.New("missing account context")
)

// IsRejection reports whether err is a caller error rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrUnsupportedEventType) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrMissingAccountContext)
}

// Envelope is the provider's event wrapper.
type Envelope struct {
	ID      string           `json:"id" validate:"required"`
	Type    domain.EventType `json:"type" validate:"required"`
	Account string           `json:"account,omitempty"`
	Created int64            `json:"created" validate:"gte=0"`
	Data    struct {
		Object json.RawMessage `json:"object" validate:"required"`
	} `json:"data"`
}

// Config holds ingestion settings.
type Config struct {
	Secret         string
	Tolerance      time.Duration
	TriggerWait    time.Duration
	TriggerTimeout time.Duration
}

// Result describes one accepted delivery.
type Result struct {
	EventID   string           `json:"eventId"`
	AccountID string           `json:"accountId"`
	Type      domain.EventType `json:"type"`
	Duplicate bool             `json:"duplicate"`

	// Reactor is set when the reactor finished within the trigger wait.
	Reactor *domain.ProcessResult `json:"reactor,omitempty"`
}

// Service is the event buffer front door.
type Service struct {
	repo     domain.Repository
	invoker  reactor.Invoker
	validate *validator.Validate
	cfg      Config
	now      func() time.Time

	wg sync.WaitGroup
}

// NewService creates a new ingestion service.
func NewService(repo domain.Repository, invoker reactor.Invoker, cfg Config) *Service {
	if cfg.TriggerWait <= 0 {
		cfg.TriggerWait = 500 * time.Millisecond
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 30 * time.Second
	}
	return &Service{
		repo:     repo,
		invoker:  invoker,
		validate: validator.New(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Ingest verifies and buffers one signed payload. Once the event is
// buffered it never fails because of downstream processing.
func (s *Service) Ingest(ctx context.Context, raw []byte, signature string, accountHint string) (*Result, error) {
	return s.IngestAt(ctx, raw, signature, accountHint, s.now())
}

// IngestAt is Ingest with the signature age measured at receivedAt. Brokered
// deliveries pass the time the broker accepted the message, so consumer lag
// does not expire a payload that was fresh when it was published.
func (s *Service) IngestAt(ctx context.Context, raw []byte, signature string, accountHint string, receivedAt time.Time) (*Result, error) {
	if err := VerifySignature(s.cfg.Secret, signature, raw, s.cfg.Tolerance, receivedAt); err != nil {
		return nil, err
	}

	ev, err := s.parse(raw, accountHint)
	if err != nil {
		return nil, err
	}

	inserted, err := s.repo.InsertEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer event: %w", err)
	}

	result := &Result{
		EventID:   ev.ID,
		AccountID: ev.AccountID,
		Type:      ev.Type,
		Duplicate: !inserted,
	}
	if !inserted {
		slog.Debug("duplicate event delivery", "event_id", ev.ID)
	}

	// Redeliveries trigger too; the reactor skips events it already handled.
	result.Reactor = s.trigger(ctx, ev)
	return result, nil
}

func (s *Service) parse(raw []byte, accountHint string) (*domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	payload, err := domain.DecodePayload(env.Type, env.Data.Object)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedEventType) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	accountID := accountHint
	if accountID == "" {
		accountID = env.Account
	}
	if accountID == "" {
		return nil, ErrMissingAccountContext
	}

	now := s.now().UTC()
	occurred := now
	if env.Created > 0 {
		occurred = time.Unix(env.Created, 0).UTC()
	}

	return &domain.Event{
		ID:         env.ID,
		AccountID:  accountID,
		Type:       env.Type,
		Payload:    payload,
		Raw:        env.Data.Object,
		OccurredAt: occurred,
		ReceivedAt: now,
	}, nil
}

type outcome struct {
	result *domain.ProcessResult
	err    error
}

// trigger starts the reactor on a context detached from the caller and
// waits up to TriggerWait for it. The run continues after the wait.
func (s *Service) trigger(ctx context.Context, ev *domain.Event) *domain.ProcessResult {
	done := make(chan outcome, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TriggerTimeout)
		defer cancel()

		res, err := s.invoker.Invoke(runCtx, ev.ID)
		if err != nil {
			s.deadLetter(context.WithoutCancel(ctx), ev, err)
		}
		done <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(s.cfg.TriggerWait)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result
	case <-timer.C:
		slog.Debug("reactor still running after trigger wait", "event_id", ev.ID)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Service) deadLetter(ctx context.Context, ev *domain.Event, cause error) {
	next := s.now().UTC().Add(domain.DeadLetterDelay(0))
	rec := &domain.FailedDispatch{
		ID:            uuid.New().String(),
		EventID:       ev.ID,
		AccountID:     ev.AccountID,
		Endpoint:      domain.EndpointReactor,
		LastError:     cause.Error(),
		NextAttemptAt: &next,
	}
	if err := s.repo.SaveFailedDispatch(ctx, rec); err != nil {
		slog.Error("failed to record dead letter",
			"event_id", ev.ID,
			"cause", cause,
			"error", err,
		)
		return
	}
	slog.Warn("reactor trigger failed, dead-lettered",
		"event_id", ev.ID,
		"account_id", ev.AccountID,
		"dead_letter_id", rec.ID,
		"error", cause,
	)
}

// Wait blocks until in-flight reactor triggers finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
