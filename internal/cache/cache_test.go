package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/opensource-finance/tripwire/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "acct_001"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, tenantID, "c", []byte("3"), time.Minute)
		_, _ = small.Get(ctx, tenantID, "a")
		_ = small.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "acct_a", "shared-key", []byte("a-value"), time.Minute)
		_ = cache.Set(ctx, "acct_b", "shared-key", []byte("b-value"), time.Minute)

		val1, _ := cache.Get(ctx, "acct_a", "shared-key")
		val2, _ := cache.Get(ctx, "acct_b", "shared-key")

		if string(val1) != "a-value" {
			t.Errorf("expected 'a-value', got '%s'", string(val1))
		}
		if string(val2) != "b-value" {
			t.Errorf("expected 'b-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := cache.Reserve(ctx, "", "key", time.Second); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("ReserveSpacesSlots", func(t *testing.T) {
		c := NewLRUCache(10)
		interval := 200 * time.Millisecond

		first, err := c.Reserve(ctx, tenantID, "email", interval)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if first != 0 {
			t.Errorf("expected first slot open now, got %v", first)
		}

		second, _ := c.Reserve(ctx, tenantID, "email", interval)
		third, _ := c.Reserve(ctx, tenantID, "email", interval)
		if second <= 100*time.Millisecond || second > interval {
			t.Errorf("expected second wait close to %v, got %v", interval, second)
		}
		if third <= interval+100*time.Millisecond || third > 2*interval {
			t.Errorf("expected third wait close to %v, got %v", 2*interval, third)
		}

		other, _ := c.Reserve(ctx, tenantID, "chat", interval)
		if other != 0 {
			t.Errorf("expected independent key to be open, got %v", other)
		}
	})

	t.Run("ReserveConcurrent", func(t *testing.T) {
		c := NewLRUCache(10)
		interval := time.Second

		var mu sync.Mutex
		seen := make(map[time.Duration]bool)
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wait, _ := c.Reserve(ctx, tenantID, "email", interval)
				mu.Lock()
				seen[wait.Round(interval)] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(seen) != 5 {
			t.Errorf("expected 5 distinct slots, got %d", len(seen))
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		type snapshot struct {
			Rate float64 `json:"rate"`
		}
		if err := SetJSON(ctx, cache, domain.GlobalTenant, "fp", snapshot{Rate: 0.25}, time.Minute); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}

		var got snapshot
		ok, err := GetJSON(ctx, cache, domain.GlobalTenant, "fp", &got)
		if err != nil || !ok {
			t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
		}
		if got.Rate != 0.25 {
			t.Errorf("expected rate 0.25, got %f", got.Rate)
		}

		ok, _ = GetJSON(ctx, cache, domain.GlobalTenant, "missing", &got)
		if ok {
			t.Error("expected miss")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := NewLRUCache(50)
		_ = c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := c.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := NewRedisCache(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	return mr, rc
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, rc := newMiniRedis(t)

	t.Run("SetAndGet", func(t *testing.T) {
		if err := rc.Set(ctx, "acct_1", "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := rc.Get(ctx, "acct_1", "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", val)
		}
		if !mr.Exists("tripwire:acct_1:k") {
			t.Error("expected namespaced key in redis")
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := rc.Get(ctx, "acct_1", "missing")
		if err != nil || val != nil {
			t.Errorf("expected nil, nil for miss, got %v, %v", val, err)
		}
	})

	t.Run("ReserveSpacesSlots", func(t *testing.T) {
		interval := time.Second

		first, err := rc.Reserve(ctx, "acct_1", "email", interval)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if first != 0 {
			t.Errorf("expected first slot open now, got %v", first)
		}

		second, err := rc.Reserve(ctx, "acct_1", "email", interval)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if second <= 500*time.Millisecond || second > interval {
			t.Errorf("expected second wait close to %v, got %v", interval, second)
		}

		other, _ := rc.Reserve(ctx, "acct_2", "email", interval)
		if other != 0 {
			t.Errorf("expected other account to be open, got %v", other)
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	mr, rc := newMiniRedis(t)
	c := newTwoPhase(NewLRUCache(10), rc, time.Minute)

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		if err := rc.Set(ctx, "acct_1", "k", []byte("remote"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := c.Get(ctx, "acct_1", "k")
		if err != nil || string(val) != "remote" {
			t.Fatalf("expected 'remote', got %q err=%v", val, err)
		}

		mr.Del("tripwire:acct_1:k")
		val, _ = c.Get(ctx, "acct_1", "k")
		if string(val) != "remote" {
			t.Errorf("expected L1 hit after L2 delete, got %q", val)
		}
	})

	t.Run("ReserveUsesRedis", func(t *testing.T) {
		if _, err := c.Reserve(ctx, "acct_1", "chat", time.Second); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !mr.Exists("tripwire:acct_1:slot:chat") {
			t.Error("expected slot key in redis")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("RedisTwoPhase", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cache, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr(), EnableTwoPhase: true})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*TwoPhaseCache); !ok {
			t.Error("expected TwoPhaseCache for two-phase redis")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
