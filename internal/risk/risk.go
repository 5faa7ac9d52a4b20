// Package risk scores alerts from their rule type and reviewer feedback.
package risk

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/tripwire/internal/cache"
	"github.com/opensource-finance/tripwire/internal/domain"
)

// snapshotKey holds the global false-positive rates in the shared cache.
const snapshotKey = "risk:global-fp"

var baseWeights = map[domain.AlertType]int{
	domain.AlertHighRiskReview: 50,
	domain.AlertBankSwap:       40,
	domain.AlertVelocityBreach: 30,
	domain.AlertGeoMismatch:    25,
}

const defaultWeight = 10

// BaseWeight returns the fixed weight of an alert type.
func BaseWeight(t domain.AlertType) int {
	if w, ok := baseWeights[t]; ok {
		return w
	}
	return defaultWeight
}

// Store is the feedback slice of the repository.
type Store interface {
	FeedbackStats(ctx context.Context, accountID string, alertType domain.AlertType) (domain.FeedbackStats, error)
	GlobalFeedbackStats(ctx context.Context) (map[domain.AlertType]domain.FeedbackStats, error)
}

// Scorer assigns 0-100 risk scores. Global false-positive rates come from a
// periodically refreshed snapshot, never from a live scan.
type Scorer struct {
	store    Store
	cache    domain.Cache
	interval time.Duration

	mu       sync.RWMutex
	snapshot map[domain.AlertType]float64
}

// NewScorer creates a scorer. cache may be nil for a process-local snapshot.
func NewScorer(store Store, c domain.Cache, interval time.Duration) *Scorer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scorer{
		store:    store,
		cache:    c,
		interval: interval,
		snapshot: make(map[domain.AlertType]float64),
	}
}

// Score returns clamp(round(base × (1−accountFP) × (1−globalFP) × 2), 0, 100).
// Feedback lookups that fail count as no feedback.
func (s *Scorer) Score(ctx context.Context, alertType domain.AlertType, accountID string) int {
	accountFP := 0.0
	stats, err := s.store.FeedbackStats(ctx, accountID, alertType)
	if err != nil {
		slog.Warn("failed to load account feedback",
			"account_id", accountID,
			"alert_type", alertType,
			"error", err,
		)
	} else {
		accountFP = stats.FalsePositiveRate()
	}

	globalFP := s.globalRate(ctx, alertType)

	score := math.Round(float64(BaseWeight(alertType)) * (1 - accountFP) * (1 - globalFP) * 2)
	return int(max(0, min(100, score)))
}

func (s *Scorer) globalRate(ctx context.Context, t domain.AlertType) float64 {
	if s.cache != nil {
		var rates map[domain.AlertType]float64
		ok, err := cache.GetJSON(ctx, s.cache, domain.GlobalTenant, snapshotKey, &rates)
		if err != nil {
			slog.Warn("failed to read risk snapshot", "error", err)
		}
		if ok {
			return rates[t]
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot[t]
}

// Refresh recomputes the global false-positive rates.
func (s *Scorer) Refresh(ctx context.Context) error {
	stats, err := s.store.GlobalFeedbackStats(ctx)
	if err != nil {
		return err
	}

	rates := make(map[domain.AlertType]float64, len(stats))
	for t, st := range stats {
		rates[t] = st.FalsePositiveRate()
	}

	s.mu.Lock()
	s.snapshot = rates
	s.mu.Unlock()

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, domain.GlobalTenant, snapshotKey, rates, 2*s.interval); err != nil {
			return err
		}
	}

	slog.Debug("risk snapshot refreshed", "alert_types", len(rates))
	return nil
}

// Run refreshes the snapshot immediately and then on every interval until
// ctx is cancelled.
func (s *Scorer) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		slog.Error("risk snapshot refresh failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.Error("risk snapshot refresh failed", "error", err)
			}
		}
	}
}
