package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/tripwire/internal/domain"
)

// Limiter spaces sends to one account and channel.
type Limiter interface {
	// Wait blocks until the caller may send. Sends are delayed, never dropped.
	Wait(ctx context.Context, accountID string, ch domain.Channel) error
}

// CacheLimiter books send slots through domain.Cache.Reserve. With a Redis
// cache the spacing holds across dispatcher processes.
type CacheLimiter struct {
	cache    domain.Cache
	interval time.Duration
}

// NewCacheLimiter allows one send per interval per account and channel.
func NewCacheLimiter(cache domain.Cache, interval time.Duration) *CacheLimiter {
	return &CacheLimiter{cache: cache, interval: interval}
}

// Wait reserves the next slot and sleeps until it opens.
func (l *CacheLimiter) Wait(ctx context.Context, accountID string, ch domain.Channel) error {
	if l.interval <= 0 {
		return nil
	}

	wait, err := l.cache.Reserve(ctx, accountID, "ratelimit:"+string(ch), l.interval)
	if err != nil {
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
