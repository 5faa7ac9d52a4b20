package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Invoker triggers reactor processing for a buffered event.
type Invoker interface {
	Invoke(ctx context.Context, eventID string) (*domain.ProcessResult, error)
}

// Direct invokes a reactor in the same process.
type Direct struct {
	reactor *Reactor
}

// NewDirect wraps r as an Invoker.
func NewDirect(r *Reactor) *Direct {
	return &Direct{reactor: r}
}

// Invoke runs Process.
func (d *Direct) Invoke(ctx context.Context, eventID string) (*domain.ProcessResult, error) {
	return d.reactor.Process(ctx, eventID)
}

// Request is the bus payload asking a reactor worker to process an event.
type Request struct {
	EventID string `json:"eventId"`
}

// Response is the reactor worker's reply.
type Response struct {
	Result *domain.ProcessResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// BusInvoker sends invocations to reactor workers over the event bus.
type BusInvoker struct {
	bus     domain.EventBus
	timeout time.Duration
}

// NewBusInvoker creates a bus-backed invoker.
func NewBusInvoker(bus domain.EventBus, timeout time.Duration) *BusInvoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BusInvoker{bus: bus, timeout: timeout}
}

// Invoke sends a Request and waits for the worker's Response.
func (b *BusInvoker) Invoke(ctx context.Context, eventID string) (*domain.ProcessResult, error) {
	payload, err := json.Marshal(Request{EventID: eventID})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.bus.Request(ctx, domain.GlobalTenant, domain.TopicReactorProcess, payload)
	if err != nil {
		return nil, fmt.Errorf("reactor request failed: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("invalid reactor response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("reactor response has no result")
	}
	return resp.Result, nil
}
