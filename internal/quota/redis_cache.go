package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"server/internal/infra"
)

// CachingLedger wraps another Ledger with a short-TTL Redis cache in front
// of Check, following the cache-aside pattern: reads hit Redis first and
// fall back to the inner ledger on a miss. Increment always goes straight
// to the inner ledger and evicts the cached entry, so a check-then-increment
// race never serves a stale "allowed" verdict for longer than the eviction
// round trip.
type CachingLedger struct {
	inner  Ledger
	client *redis.Client
	ttl    time.Duration
	logger infra.Logger
}

// NewCachingLedger wraps inner with a Redis-backed Check cache.
func NewCachingLedger(inner Ledger, client *redis.Client, ttl time.Duration, logger infra.Logger) *CachingLedger {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachingLedger{inner: inner, client: client, ttl: ttl, logger: logger}
}

func cacheKey(sessionID string, service ServiceType) string {
	return "quota:check:" + sessionID + ":" + string(service) + ":" + today()
}

func (c *CachingLedger) Check(sessionID string, service ServiceType) (CheckResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := cacheKey(sessionID, service)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached CheckResult
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Msg("quota cache read failed, falling back to ledger")
	}

	result, err := c.inner.Check(sessionID, service)
	if err != nil {
		return result, err
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("quota cache write failed")
		}
	}
	return result, nil
}

func (c *CachingLedger) Increment(sessionID string, service ServiceType) error {
	if err := c.inner.Increment(sessionID, service); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.client.Del(ctx, cacheKey(sessionID, service)).Err(); err != nil && err != redis.Nil {
		c.logger.Warn().Err(err).Msg("quota cache invalidation failed")
	}
	return nil
}

func (c *CachingLedger) DailyAggregate(date string) (DailyAggregate, error) {
	return c.inner.DailyAggregate(date)
}

func (c *CachingLedger) RangeAggregate(from, to string) ([]DailyAggregate, error) {
	return c.inner.RangeAggregate(from, to)
}

func (c *CachingLedger) History(sessionID string, days int) ([]SessionDailyUsage, error) {
	return c.inner.History(sessionID, days)
}

func (c *CachingLedger) Cleanup(retentionDays int) (int, error) {
	return c.inner.Cleanup(retentionDays)
}

var _ Ledger = (*CachingLedger)(nil)
