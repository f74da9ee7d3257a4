package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
)

// DefaultActivityKey is the sorted set holding last-seen times.
const DefaultActivityKey = "marquee:activity"

// ActivitySource counts subjects seen within a window. The durable store
// implements it as the fallback for Activity.
type ActivitySource interface {
	CountActive(ctx context.Context, window time.Duration) (int64, error)
}

// Activity tracks the last time each subject was seen in a Redis sorted set
// scored by unix seconds at millisecond resolution.
type Activity struct {
	t   *Tiered
	key string
}

// NewActivity returns an Activity over t. An empty key selects
// DefaultActivityKey.
func NewActivity(t *Tiered, key string) *Activity {
	if key == "" {
		key = DefaultActivityKey
	}
	return &Activity{t: t, key: key}
}

func score(at time.Time) float64 {
	return float64(at.UnixMilli()) / 1000
}

// Record marks subjectID as active now.
func (a *Activity) Record(ctx context.Context, subjectID string) bool {
	ctx, span := a.t.startSpan(ctx, "ActivityRecord", a.key)
	if !a.t.available(ctx) {
		endSpan(span, "skipped", nil)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, a.t.timeout)
	defer cancel()
	err := a.t.client.ZAdd(cctx, a.key, redis.Z{Score: score(a.t.now()), Member: subjectID}).Err()
	if err != nil {
		a.t.fail("zadd", a.key, err)
		endSpan(span, "error", err)
		return false
	}
	endSpan(span, "ok", nil)
	return true
}

// CountActive evicts subjects last seen strictly before now-window and
// returns how many remain. A subject seen exactly at the boundary counts.
func (a *Activity) CountActive(ctx context.Context, window time.Duration) (int64, error) {
	const op = "cache.count_active"
	ctx, span := a.t.startSpan(ctx, "CountActive", a.key)
	if !a.t.available(ctx) {
		endSpan(span, "skipped", nil)
		return 0, merrors.Transient(op, merrors.ErrNotReady)
	}
	cctx, cancel := context.WithTimeout(ctx, a.t.timeout)
	defer cancel()
	cutoff := strconv.FormatFloat(score(a.t.now().Add(-window)), 'f', -1, 64)
	if err := a.t.client.ZRemRangeByScore(cctx, a.key, "-inf", "("+cutoff).Err(); err != nil {
		a.t.fail("zremrangebyscore", a.key, err)
		endSpan(span, "error", err)
		return 0, merrors.Transient(op, mapRedisErr(err))
	}
	n, err := a.t.client.ZCard(cctx, a.key).Result()
	if err != nil {
		a.t.fail("zcard", a.key, err)
		endSpan(span, "error", err)
		return 0, merrors.Transient(op, mapRedisErr(err))
	}
	endSpan(span, "ok", nil)
	return n, nil
}

// CountActiveOr counts through the cache and falls back to the durable
// source when the cache is not available.
func (a *Activity) CountActiveOr(ctx context.Context, window time.Duration, fallback ActivitySource) (int64, error) {
	n, err := a.CountActive(ctx, window)
	if err == nil || fallback == nil {
		return n, err
	}
	a.t.logger.Debug("cache: activity fallback to durable store", "error", err)
	return fallback.CountActive(ctx, window)
}
