package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/tripwire/internal/bus"
	"github.com/opensource-finance/tripwire/internal/cache"
	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/reactor"
	"github.com/opensource-finance/tripwire/internal/repository"
	"github.com/opensource-finance/tripwire/internal/risk"
	"github.com/opensource-finance/tripwire/internal/rules"
)

// stack is the shared infrastructure every subcommand runs on.
type stack struct {
	cfg   *domain.Config
	repo  *repository.SQLRepository
	cache domain.Cache
	bus   domain.EventBus

	scorer  *risk.Scorer
	reactor *reactor.Reactor
}

func openStack(cfg *domain.Config) (*stack, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		cacheImpl.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	return &stack{
		cfg:   cfg,
		repo:  repo,
		cache: cacheImpl,
		bus:   busImpl,
	}, nil
}

// newReactor builds the in-process reactor and its risk scorer.
func (s *stack) newReactor() (*reactor.Reactor, error) {
	if s.reactor != nil {
		return s.reactor, nil
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	s.scorer = risk.NewScorer(s.repo, s.cache, s.cfg.Risk.RefreshInterval)
	s.reactor = reactor.New(s.repo, engine, s.scorer, reactor.Config{
		MaxAttempts: s.cfg.Dispatcher.MaxAttempts,
		Bus:         s.bus,
	})
	slog.Info("reactor initialized", "max_attempts", s.cfg.Dispatcher.MaxAttempts)
	return s.reactor, nil
}

// invoker returns how this process reaches the reactor: in process, or
// over the bus to a reactor worker.
func (s *stack) invoker() (reactor.Invoker, error) {
	if s.cfg.Reactor.Mode == domain.ReactorBus {
		return reactor.NewBusInvoker(s.bus, s.cfg.Reactor.RequestTimeout), nil
	}

	r, err := s.newReactor()
	if err != nil {
		return nil, err
	}
	return reactor.NewDirect(r), nil
}

// runScorer refreshes the global false-positive snapshot in the
// background when this process scores alerts.
func (s *stack) runScorer(ctx context.Context) {
	if s.scorer != nil {
		go s.scorer.Run(ctx)
	}
}

func (s *stack) Close() {
	if err := s.bus.Close(); err != nil {
		slog.Error("failed to close event bus", "error", err)
	}
	if err := s.cache.Close(); err != nil {
		slog.Error("failed to close cache", "error", err)
	}
	if err := s.repo.Close(); err != nil {
		slog.Error("failed to close repository", "error", err)
	}
}
