package lock

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
)

const redisKeyPrefix = "marquee:lock:"

// Redis implements Locker using SET NX with a native expiry, so an expired
// lock disappears on its own and the next SET NX steals it.
type Redis struct {
	client redis.UniversalClient
	opts   options
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	return &Redis{client: client, opts: buildOptions(opts)}
}

// Acquire implements Locker.Acquire.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	ok, err := r.client.SetNX(cctx, redisKeyPrefix+name, r.opts.owner, ttl).Result()
	if err != nil {
		return false, r.opts.degrade("lock.acquire", name, mapRedisErr(err))
	}
	return ok, nil
}

// Release implements Locker.Release.
func (r *Redis) Release(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	n, err := r.client.Del(cctx, redisKeyPrefix+name).Result()
	if err != nil {
		return false, r.opts.degrade("lock.release", name, mapRedisErr(err))
	}
	return n == 1, nil
}

// Exists implements Locker.Exists.
func (r *Redis) Exists(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, redisKeyPrefix+name).Result()
	if err != nil {
		return false, r.opts.degrade("lock.exists", name, mapRedisErr(err))
	}
	return n == 1, nil
}

// Holder returns the owner recorded for name, if the lock is held.
func (r *Redis) Holder(ctx context.Context, name string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()
	owner, err := r.client.Get(cctx, redisKeyPrefix+name).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, r.opts.degrade("lock.holder", name, mapRedisErr(err))
	}
	return owner, true, nil
}

func mapRedisErr(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return merrors.ErrConnectionClosed
	}
	return err
}
