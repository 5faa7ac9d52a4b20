package history

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/repository"
)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "history-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
		os.Remove(tmpPath)
	})
	return repo
}

func insert(t *testing.T, repo *repository.SQLRepository, id string, typ domain.EventType, at time.Time, raw string) *domain.Event {
	t.Helper()
	ev := &domain.Event{ID: id, AccountID: "acct_1", Type: typ, Raw: []byte(raw), OccurredAt: at, ReceivedAt: at}
	if _, err := repo.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	return ev
}

func TestLoader(t *testing.T) {
	repo := newRepo(t)
	loader := NewLoader(repo)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	insert(t, repo, "evt_old", domain.EventPayoutPaid, now.Add(-25*time.Hour), `{"id":"po_old","amount":1,"currency":"usd"}`)
	insert(t, repo, "evt_p1", domain.EventPayoutPaid, now.Add(-10*time.Minute), `{"id":"po_1","amount":1,"currency":"usd"}`)
	insert(t, repo, "evt_ch", domain.EventChargeSucceeded, now.Add(-20*time.Hour), `{"id":"ch_1","amount":1,"currency":"usd"}`)
	insert(t, repo, "evt_fail", domain.EventPayoutFailed, now.Add(-5*time.Minute), `{"id":"po_f","amount":1,"currency":"usd"}`)
	insert(t, repo, "evt_future", domain.EventPayoutPaid, now.Add(time.Minute), `{"id":"po_fut","amount":1,"currency":"usd"}`)
	trigger := insert(t, repo, "evt_trigger", domain.EventPayoutPaid, now, `{"id":"po_t","amount":1,"currency":"usd"}`)

	t.Run("DefaultRuleSet", func(t *testing.T) {
		rc, err := loader.Load(ctx, trigger)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if rc.RuleSet.MaxPayouts != 3 {
			t.Errorf("expected default max payouts 3, got %d", rc.RuleSet.MaxPayouts)
		}

		ids := make(map[string]bool)
		for _, e := range rc.History {
			ids[e.ID] = true
		}
		for _, want := range []string{"evt_p1", "evt_ch", "evt_trigger"} {
			if !ids[want] {
				t.Errorf("expected %s in history", want)
			}
		}
		for _, unwanted := range []string{"evt_old", "evt_fail", "evt_future"} {
			if ids[unwanted] {
				t.Errorf("expected %s to be excluded", unwanted)
			}
		}
	})

	t.Run("WindowFollowsEnabledRules", func(t *testing.T) {
		rs := domain.DefaultRuleSet()
		rs.Disabled = []domain.AlertType{domain.AlertGeoMismatch}
		if err := repo.SaveRuleSet(ctx, "acct_1", rs); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}

		rc, err := loader.Load(ctx, trigger)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		for _, e := range rc.History {
			if e.ID == "evt_ch" {
				t.Error("expected charge outside the 60 minute window to be excluded")
			}
		}
	})

	t.Run("CustomRulesWidenWindow", func(t *testing.T) {
		rs := domain.DefaultRuleSet()
		rs.Disabled = []domain.AlertType{domain.AlertGeoMismatch}
		rs.CustomRules = []domain.CustomRule{
			{ID: "many_charges", Expression: "recent_charges >= 1", Enabled: true},
		}
		if err := repo.SaveRuleSet(ctx, "acct_1", rs); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}

		rc, err := loader.Load(ctx, trigger)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		found := false
		for _, e := range rc.History {
			if e.ID == "evt_ch" {
				found = true
			}
		}
		if !found {
			t.Error("expected charge inside the geo lookback to be loaded for custom rules")
		}
	})

	t.Run("DisabledCustomRulesKeepWindow", func(t *testing.T) {
		rs := domain.DefaultRuleSet()
		rs.Disabled = []domain.AlertType{domain.AlertGeoMismatch}
		rs.CustomRules = []domain.CustomRule{
			{ID: "many_charges", Expression: "recent_charges >= 1", Enabled: false},
		}
		if got := rs.MaxLookback(); got != time.Hour {
			t.Errorf("expected 1h lookback, got %v", got)
		}

		rs.CustomRules[0].Enabled = true
		rs.Disabled = []domain.AlertType{domain.AlertVelocityBreach, domain.AlertBankSwap, domain.AlertGeoMismatch}
		if got := rs.MaxLookback(); got != 24*time.Hour {
			t.Errorf("expected 24h lookback with only custom rules enabled, got %v", got)
		}
	})

	t.Run("ZeroThresholdsNormalized", func(t *testing.T) {
		if err := repo.SaveRuleSet(ctx, "acct_2", &domain.RuleSet{MaxPayouts: 7}); err != nil {
			t.Fatalf("SaveRuleSet failed: %v", err)
		}
		rs := loader.RuleSet(ctx, "acct_2")
		if rs.MaxPayouts != 7 || rs.LookbackMinutes != 60 {
			t.Errorf("expected override 7 with default lookback 60, got %d / %d", rs.MaxPayouts, rs.LookbackMinutes)
		}
	})

	t.Run("LookupFailureFallsBackToDefault", func(t *testing.T) {
		l := NewLoader(failingStore{})
		rs := l.RuleSet(ctx, "acct_1")
		if rs.MaxPayouts != 3 || rs.AccountID != "acct_1" {
			t.Errorf("expected default rule set for acct_1, got %+v", rs)
		}
	})

	t.Run("RequiresAccount", func(t *testing.T) {
		_, err := loader.Load(ctx, &domain.Event{ID: "x"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

type failingStore struct{}

func (failingStore) GetRuleSet(ctx context.Context, accountID string) (*domain.RuleSet, error) {
	return nil, errors.New("config store unavailable")
}

func (failingStore) ListAccountEvents(ctx context.Context, accountID string, types []domain.EventType, since, until time.Time) ([]*domain.Event, error) {
	return nil, nil
}
