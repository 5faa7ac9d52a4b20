package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester buffers one signed payload, checking the signature age against
// receivedAt.
type Ingester interface {
	IngestAt(ctx context.Context, raw []byte, signature string, accountHint string, receivedAt time.Time) (*Result, error)
}

// KafkaSource feeds signed payloads from a Kafka topic into the event
// buffer. Headers carry the signature and account hint. Offsets are
// committed only once a message is buffered or permanently rejected.
// Signature age is measured against the broker timestamp; a payload that
// was already stale when it was published stops the source uncommitted.
type KafkaSource struct {
	reader   MessageReader
	ingester Ingester

	// MaxElapsed bounds retries of one message before Run gives up.
	MaxElapsed time.Duration
}

// NewKafkaSource creates a source reading cfg.Topic as consumer group cfg.GroupID.
func NewKafkaSource(cfg domain.KafkaConfig, ingester Ingester) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "tripwire-ingest"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafkaSource(reader, ingester), nil
}

func newKafkaSource(reader MessageReader, ingester Ingester) *KafkaSource {
	return &KafkaSource{
		reader:     reader,
		ingester:   ingester,
		MaxElapsed: 5 * time.Minute,
	}
}

// Run consumes until ctx is cancelled. It returns an error when a message
// cannot be buffered within MaxElapsed, leaving its offset uncommitted.
func (k *KafkaSource) Run(ctx context.Context) error {
	defer k.reader.Close()

	slog.Info("kafka ingest started")
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("kafka fetch error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := k.handle(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka message at offset %d not buffered: %w", m.Offset, err)
		}

		if err := k.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit error", "offset", m.Offset, "error", err)
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, m kafka.Message) error {
	var signature, account string
	for _, h := range m.Headers {
		switch h.Key {
		case SignatureHeader:
			signature = string(h.Value)
		case AccountHeader:
			account = string(h.Value)
		}
	}

	receivedAt := m.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	op := func() (*Result, error) {
		res, err := k.ingester.IngestAt(ctx, m.Value, signature, account, receivedAt)
		if err != nil && IsRejection(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(k.MaxElapsed),
	)
	if err != nil {
		if errors.Is(err, ErrSignatureStale) {
			return fmt.Errorf("signed outside tolerance of broker time %s: %w", receivedAt.UTC().Format(time.RFC3339), err)
		}
		if IsRejection(err) {
			slog.Warn("kafka message rejected",
				"offset", m.Offset,
				"error", err,
			)
			return nil
		}
		return err
	}

	slog.Debug("kafka message buffered",
		"event_id", res.EventID,
		"duplicate", res.Duplicate,
	)
	return nil
}

var _ MessageReader = (*kafka.Reader)(nil)
