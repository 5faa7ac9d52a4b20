package retention

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
	"github.com/opensource-finance/tripwire/internal/repository"
)

func TestJanitor(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "retention-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	ages := map[string]time.Duration{
		"evt_fresh":   time.Hour,
		"evt_stale":   40 * 24 * time.Hour,
		"evt_ancient": 100 * 24 * time.Hour,
	}
	for id, age := range ages {
		at := now.Add(-age)
		ev := &domain.Event{
			ID:         id,
			AccountID:  "acct_1",
			Type:       domain.EventChargeSucceeded,
			Raw:        []byte(`{"id":"ch_1","amount":100,"currency":"usd","payment_method_details":{"card":{"country":"US"}}}`),
			OccurredAt: at,
			ReceivedAt: at,
		}
		if _, err := repo.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}

	j := NewJanitor(repo, domain.RetentionConfig{
		ScrubAfter: 30 * 24 * time.Hour,
		PurgeAfter: 90 * 24 * time.Hour,
	})

	res, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Scrubbed != 2 {
		t.Errorf("expected 2 scrubbed, got %d", res.Scrubbed)
	}
	if res.Purged != 1 {
		t.Errorf("expected 1 purged, got %d", res.Purged)
	}

	fresh, err := repo.GetEvent(ctx, "evt_fresh")
	if err != nil || fresh.Scrubbed {
		t.Errorf("expected fresh event untouched, got %+v (%v)", fresh, err)
	}
	stale, err := repo.GetEvent(ctx, "evt_stale")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if !stale.Scrubbed || string(stale.Raw) != "{}" {
		t.Errorf("expected stale payload scrubbed, got %s", stale.Raw)
	}
	if _, err := repo.GetEvent(ctx, "evt_ancient"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ancient event purged, got %v", err)
	}

	t.Run("SecondPassIsNoop", func(t *testing.T) {
		res, err := j.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		if res.Scrubbed != 0 || res.Purged != 0 {
			t.Errorf("expected nothing to do, got %+v", res)
		}
	})

	t.Run("DisabledSteps", func(t *testing.T) {
		off := NewJanitor(repo, domain.RetentionConfig{})
		res, err := off.RunOnce(ctx)
		if err != nil || res != (Result{}) {
			t.Errorf("expected no-op, got %+v (%v)", res, err)
		}
	})
}

type failingStore struct{}

func (failingStore) ScrubEvents(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func (failingStore) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func TestJanitorError(t *testing.T) {
	j := NewJanitor(failingStore{}, domain.RetentionConfig{ScrubAfter: time.Hour})
	if _, err := j.RunOnce(context.Background()); err == nil {
		t.Error("expected scrub error")
	}
}
