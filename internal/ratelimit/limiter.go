// Package ratelimit implements the admission limiter on the shared
// coordination store: a per-(subject, action) sliding window plus
// counter-based concurrency slots.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter performs sliding-window admission checks backed by Redis
// sorted sets. When the store is unreachable the FailOpen policy
// decides the outcome; the default is to deny.
type Limiter struct {
	rdb      *redis.Client
	failOpen bool
	now      func() time.Time
}

// New creates a Limiter. failOpen=true admits when the coordination
// store is unreachable; false (the default policy) denies.
func New(rdb *redis.Client, failOpen bool) *Limiter {
	return &Limiter{rdb: rdb, failOpen: failOpen, now: time.Now}
}

// Key returns the sorted-set key for a (subject, action kind) pair.
func Key(subjectID, kind string) string {
	return "courier:ratelimit:" + kind + ":" + subjectID
}

// SlotKey returns the counter key for a concurrency-slot ceiling.
func SlotKey(subjectID, kind string) string {
	return "courier:slots:" + kind + ":" + subjectID
}

// Check records the event, evicts window entries older than now-window,
// and admits when the resulting count stays within max. The add happens
// inside the same MULTI/EXEC as the count, so two workers at the
// ceiling cannot both slip under it; a rejected event is removed again
// and does not consume window capacity. The key's expiry is refreshed
// either way so abandoned counters self-clean. On store failure the
// result follows the fail policy and the error is returned for the
// caller to surface.
func (l *Limiter) Check(ctx context.Context, subjectID, kind string, max int, window time.Duration) (bool, int, error) {
	key := Key(subjectID, kind)
	now := l.now()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	// Members must be unique per event; two workers on the same clock
	// tick would otherwise collapse into one entry.
	member := uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.failOpen, 0, fmt.Errorf("ratelimit: check %s: %w", key, err)
	}

	count := int(card.Val())
	if count > max {
		l.rdb.ZRem(ctx, key, member)
		return false, count - 1, nil
	}
	return true, count, nil
}

// AcquireSlot increments a concurrency counter and admits while the
// result stays within max. On rejection the increment is rolled back.
// The TTL bounds how long a leaked slot (crashed holder) can pin the
// counter; with a non-positive ttl the counter persists until every
// holder calls ReleaseSlot.
func (l *Limiter) AcquireSlot(ctx context.Context, key string, max int, ttl time.Duration) (bool, error) {
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return l.failOpen, fmt.Errorf("ratelimit: acquire slot %s: %w", key, err)
	}
	if ttl > 0 {
		l.rdb.Expire(ctx, key, ttl)
	}
	if int(n) > max {
		l.rdb.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

// ReleaseSlot decrements a concurrency counter, flooring at zero.
func (l *Limiter) ReleaseSlot(ctx context.Context, key string) error {
	n, err := l.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: release slot %s: %w", key, err)
	}
	if n < 0 {
		l.rdb.Set(ctx, key, 0, redis.KeepTTL)
	}
	return nil
}
