// Package bus carries reactor invocations and alert notifications between
// processes.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// defaultRequestTimeout bounds Request when the context has no deadline.
const defaultRequestTimeout = 30 * time.Second

// New creates a new event bus based on configuration.
// "channel" keeps everything in-process; "nats" spans processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

func replyAddress(msg *domain.Message) (string, error) {
	if msg == nil || msg.Metadata[domain.MetadataReplyTo] == "" {
		return "", fmt.Errorf("message has no reply address")
	}
	return msg.Metadata[domain.MetadataReplyTo], nil
}
