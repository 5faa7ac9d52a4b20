// Package worker serves reactor invocations that arrive over the event bus,
// so reactors can run in processes separate from ingestion.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/reactor"
)

// Processor is the reactor entry point the worker drives.
type Processor interface {
	Process(ctx context.Context, eventID string) (*domain.ProcessResult, error)
}

// ReactorWorker answers reactor.process requests.
type ReactorWorker struct {
	bus       domain.EventBus
	processor Processor
	sem       chan struct{}

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds in-flight reactor runs.
	Concurrency int
}

// NewWorker creates a new reactor worker.
func NewWorker(bus domain.EventBus, processor Processor, cfg Config) *ReactorWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReactorWorker{
		bus:       bus,
		processor: processor,
		sem:       make(chan struct{}, cfg.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start joins the reactor worker queue group, so each invocation runs on
// exactly one worker.
func (w *ReactorWorker) Start() error {
	sub, err := w.bus.QueueSubscribe(w.ctx, domain.GlobalTenant, domain.TopicReactorProcess, domain.QueueReactorWorkers, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("reactor worker started",
		"topic", domain.TopicReactorProcess,
		"group", domain.QueueReactorWorkers,
		"concurrency", cap(w.sem),
	)
	return nil
}

// handleMessage blocks while all slots are busy, which holds back the
// subscription instead of queueing without bound.
func (w *ReactorWorker) handleMessage(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.serve(msg)
	}()
	return nil
}

func (w *ReactorWorker) serve(msg *domain.Message) {
	start := time.Now()
	var resp reactor.Response

	var req reactor.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
	} else {
		result, err := w.processor.Process(w.ctx, req.EventID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
	}

	if resp.Error != "" {
		w.failed.Add(1)
		slog.Error("reactor run failed",
			"message_id", msg.ID,
			"event_id", req.EventID,
			"error", resp.Error,
		)
	} else {
		w.processed.Add(1)
		slog.Debug("reactor run finished",
			"event_id", req.EventID,
			"skipped", resp.Result.Skipped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if _, ok := msg.Metadata[domain.MetadataReplyTo]; !ok {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal reactor response", "error", err)
		return
	}
	if err := w.bus.Reply(w.ctx, msg, payload); err != nil {
		slog.Warn("failed to reply to reactor request",
			"event_id", req.EventID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for in-flight runs.
func (w *ReactorWorker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	slog.Info("reactor worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *ReactorWorker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
