package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/tripwire/internal/api"
	"github.com/opensource-finance/tripwire/internal/dispatch"
	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/ingest"
	"github.com/opensource-finance/tripwire/internal/reactor"
	"github.com/opensource-finance/tripwire/internal/retention"
	"github.com/opensource-finance/tripwire/internal/sweeper"
	"github.com/opensource-finance/tripwire/internal/worker"
)

func serveCmd() *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API",
		Long: `Run the HTTP API that buffers signed webhook events and serves alerts.

With --workers (the default) the dispatcher, dead-letter sweeper and
retention janitor run in the same process, which is how the community
tier is usually deployed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "also run the dispatcher, sweeper and retention janitor")
	return cmd
}

func runServe(withWorkers bool) error {
	cfg, err := setup("api")
	if err != nil {
		return err
	}
	if err := checkIngest(cfg); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	invoker, err := st.invoker()
	if err != nil {
		return err
	}

	// A channel bus only reaches subscribers in this process, so bus mode
	// on the community tier needs a local reactor worker.
	var localWorker *worker.ReactorWorker
	if cfg.Reactor.Mode == domain.ReactorBus && cfg.EventBus.Type == "channel" {
		localWorker, err = startReactorWorker(st, 0)
		if err != nil {
			return err
		}
	}
	st.runScorer(ctx)

	svc := ingest.NewService(st.repo, invoker, ingest.Config{
		Secret:         cfg.Ingest.WebhookSecret,
		Tolerance:      cfg.Ingest.SignatureTolerance,
		TriggerWait:    cfg.Ingest.TriggerWait,
		TriggerTimeout: cfg.Ingest.TriggerTimeout,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if cfg.Ingest.Kafka.Enabled {
		source, err := ingest.NewKafkaSource(cfg.Ingest.Kafka, svc)
		if err != nil {
			return err
		}
		spawn("kafka", source.Run)
	}

	if withWorkers {
		spawn("dispatcher", newDispatcher(st).Run)
		spawn("sweeper", newSweeper(st, invoker).Run)
		if cfg.Retention.Enabled {
			janitor := retention.NewJanitor(st.repo, cfg.Retention)
			spawn("retention", func(ctx context.Context) error {
				janitor.Run(ctx)
				return nil
			})
		}
	}

	srv := api.NewServer(cfg.Server, st.repo, st.cache, st.bus, svc, invoker, Version)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	slog.Info("tripwire is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", withWorkers,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("component failed", "error", runErr)
	}
	cancel()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	svc.Wait()
	wg.Wait()

	if localWorker != nil {
		if err := localWorker.Stop(); err != nil {
			slog.Error("failed to stop reactor worker", "error", err)
		}
	}

	slog.Info("tripwire shutdown complete")
	return runErr
}

// checkIngest refuses configurations under which every delivery would be
// rejected: signatures cannot verify without a secret.
func checkIngest(cfg *domain.Config) error {
	if cfg.Ingest.WebhookSecret == "" {
		return errors.New("ingest.webhookSecret is required: without it every webhook signature fails verification")
	}
	return nil
}

func reactorWorkerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "reactor-worker",
		Short: "Process reactor invocations received over the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup("reactor-worker")
			if err != nil {
				return err
			}
			if cfg.EventBus.Type == "channel" {
				return errors.New("reactor-worker needs a shared event bus; set eventBus.type to nats")
			}

			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			w, err := startReactorWorker(st, concurrency)
			if err != nil {
				return err
			}
			st.runScorer(ctx)

			<-ctx.Done()
			slog.Info("shutting down...")
			if err := w.Stop(); err != nil {
				return err
			}

			stats := w.GetStats()
			slog.Info("reactor worker stopped",
				"processed", stats.Processed,
				"failed", stats.Failed,
			)
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum reactor runs in flight")
	return cmd
}

func startReactorWorker(st *stack, concurrency int) (*worker.ReactorWorker, error) {
	r, err := st.newReactor()
	if err != nil {
		return nil, err
	}

	w := worker.NewWorker(st.bus, r, worker.Config{Concurrency: concurrency})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("failed to start reactor worker: %w", err)
	}
	return w, nil
}

func dispatcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Deliver queued alert notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup("dispatcher")
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			d := newDispatcher(st)
			if err := d.Run(ctx); err != nil {
				return err
			}

			stats := d.GetStats()
			slog.Info("dispatcher totals",
				"sent", stats.Sent,
				"retried", stats.Retried,
				"failed", stats.Failed,
			)
			return nil
		},
	}
}

// newDispatcher wires the configured channels. A channel without
// provider settings has no notifier and its jobs end not_configured.
func newDispatcher(st *stack) *dispatch.Dispatcher {
	cfg := st.cfg.Dispatcher

	notifiers := map[domain.Channel]dispatch.Notifier{
		domain.ChannelChat: dispatch.NewChatNotifier(cfg.Chat),
	}
	if cfg.Email.Endpoint != "" {
		notifiers[domain.ChannelEmail] = dispatch.NewEmailNotifier(cfg.Email)
	} else {
		slog.Warn("email provider not configured; email alerts will not be sent")
	}

	return dispatch.New(st.repo, notifiers, dispatch.NewCacheLimiter(st.cache, cfg.RateInterval), dispatch.Config{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		BaseDelay:    cfg.BaseDelay,
		Lease:        cfg.Lease,
	})
}

func sweeperCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Replay failed reactor invocations from the dead-letter table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup("sweeper")
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			st, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			invoker, err := st.invoker()
			if err != nil {
				return err
			}
			st.runScorer(ctx)

			s := newSweeper(st, invoker)
			if once {
				res, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				slog.Info("sweep finished",
					"replayed", res.Replayed,
					"failed", res.Failed,
					"frozen", res.Frozen,
				)
				return nil
			}
			return s.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "sweep a single batch and exit")
	return cmd
}

func newSweeper(st *stack, invoker reactor.Invoker) *sweeper.Sweeper {
	cfg := st.cfg.Sweeper
	return sweeper.New(st.repo, invoker, sweeper.Config{
		Interval:    cfg.Interval,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		Lease:       cfg.Lease,
	})
}
