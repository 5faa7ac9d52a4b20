package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is a provider event type.
type EventType string

// Supported provider event types. Anything else is rejected at ingestion.
const (
	EventPayoutCreated          EventType = "payout.created"
	EventPayoutPaid             EventType = "payout.paid"
	EventPayoutFailed           EventType = "payout.failed"
	EventChargeSucceeded        EventType = "charge.succeeded"
	EventChargeFailed           EventType = "charge.failed"
	EventExternalAccountCreated EventType = "account.external_account.created"
	EventExternalAccountUpdated EventType = "account.external_account.updated"
	EventReviewOpened           EventType = "review.opened"
)

// SupportedEventTypes lists every event type the pipeline accepts.
var SupportedEventTypes = []EventType{
	EventPayoutCreated,
	EventPayoutPaid,
	EventPayoutFailed,
	EventChargeSucceeded,
	EventChargeFailed,
	EventExternalAccountCreated,
	EventExternalAccountUpdated,
	EventReviewOpened,
}

// Event is a captured provider event held in the event buffer.
// The buffer row is keyed by ID and never mutated by the reactor.
type Event struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"accountId"`
	Type       EventType       `json:"type"`
	Payload    Payload         `json:"-"`
	Raw        json.RawMessage `json:"raw"`
	OccurredAt time.Time       `json:"occurredAt"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Scrubbed   bool            `json:"scrubbed"`
}

// Payload is the closed set of typed event payloads.
type Payload interface {
	payload()
}

// PayoutPayload is the object of payout.* events.
type PayoutPayload struct {
	ID          string             `json:"id" validate:"required"`
	Amount      int64              `json:"amount" validate:"gte=0"`
	Currency    string             `json:"currency" validate:"required,len=3"`
	Status      string             `json:"status"`
	Destination *PayoutDestination `json:"destination,omitempty"`
}

// PayoutDestination is the bank account a payout lands in. Providers send
// either the bare account ID or the expanded object.
type PayoutDestination struct {
	ID      string `json:"id"`
	Country string `json:"country,omitempty"`
	Last4   string `json:"last4,omitempty"`
}

// UnmarshalJSON accepts both "ba_123" and {"id":"ba_123",...}.
func (d *PayoutDestination) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		d.ID = id
		return nil
	}
	type plain PayoutDestination
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = PayoutDestination(p)
	return nil
}

// ChargePayload is the object of charge.* events.
type ChargePayload struct {
	ID                   string               `json:"id" validate:"required"`
	Amount               int64                `json:"amount" validate:"gte=0"`
	Currency             string               `json:"currency" validate:"required,len=3"`
	Status               string               `json:"status"`
	PaymentMethodDetails PaymentMethodDetails `json:"payment_method_details"`
}

// PaymentMethodDetails carries the card used for a charge.
type PaymentMethodDetails struct {
	Card *CardDetails `json:"card,omitempty"`
}

// CardDetails holds the card attributes the rules care about.
type CardDetails struct {
	Country string `json:"country,omitempty"`
	Brand   string `json:"brand,omitempty"`
	Last4   string `json:"last4,omitempty"`
}

// CardCountry returns the upper-cased card country, or "" when unknown.
func (c *ChargePayload) CardCountry() string {
	if c.PaymentMethodDetails.Card == nil {
		return ""
	}
	return strings.ToUpper(c.PaymentMethodDetails.Card.Country)
}

// ExternalAccountPayload is the object of account.external_account.* events.
type ExternalAccountPayload struct {
	ID       string `json:"id" validate:"required"`
	Object   string `json:"object" validate:"omitempty,oneof=bank_account card"`
	Country  string `json:"country,omitempty"`
	Currency string `json:"currency,omitempty"`
	Last4    string `json:"last4,omitempty"`
}

// ReviewPayload is the object of review.opened events.
type ReviewPayload struct {
	ID     string `json:"id" validate:"required"`
	Reason string `json:"reason"`
	Charge string `json:"charge,omitempty"`
	Open   bool   `json:"open"`
}

func (*PayoutPayload) payload()          {}
func (*ChargePayload) payload()          {}
func (*ExternalAccountPayload) payload() {}
func (*ReviewPayload) payload()          {}

// NewPayload returns an empty payload value for the event type.
func NewPayload(t EventType) (Payload, error) {
	switch t {
	case EventPayoutCreated, EventPayoutPaid, EventPayoutFailed:
		return &PayoutPayload{}, nil
	case EventChargeSucceeded, EventChargeFailed:
		return &ChargePayload{}, nil
	case EventExternalAccountCreated, EventExternalAccountUpdated:
		return &ExternalAccountPayload{}, nil
	case EventReviewOpened:
		return &ReviewPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventType, t)
	}
}

// DecodePayload decodes the raw object of an event into its typed payload.
// It does not validate field constraints.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Payout returns the payout payload, or nil for other event types.
func (e *Event) Payout() *PayoutPayload {
	p, _ := e.Payload.(*PayoutPayload)
	return p
}

// Charge returns the charge payload, or nil for other event types.
func (e *Event) Charge() *ChargePayload {
	p, _ := e.Payload.(*ChargePayload)
	return p
}

// ExternalAccount returns the external account payload, or nil for other event types.
func (e *Event) ExternalAccount() *ExternalAccountPayload {
	p, _ := e.Payload.(*ExternalAccountPayload)
	return p
}

// Review returns the review payload, or nil for other event types.
func (e *Event) Review() *ReviewPayload {
	p, _ := e.Payload.(*ReviewPayload)
	return p
}

// ProcessedEvent marks a buffered event as processed by the reactor.
// At most one exists per event ID.
type ProcessedEvent struct {
	EventID       string    `json:"eventId"`
	AccountID     string    `json:"accountId"`
	DurationMs    int64     `json:"durationMs"`
	AlertsCreated int       `json:"alertsCreated"`
	ProcessedAt   time.Time `json:"processedAt"`
}

// ProcessResult is the outcome of one reactor invocation.
type ProcessResult struct {
	EventID       string   `json:"eventId"`
	Skipped       bool     `json:"skipped"`
	AlertsCreated int      `json:"alertsCreated"`
	AlertIDs      []string `json:"alertIds,omitempty"`
}
