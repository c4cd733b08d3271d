package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lazyapps/lazycrud/apperr"
)

const redisKeyPrefix = "ratelimit:"

// Redis is a sliding-window limiter over a shared redis instance, for hosts
// whose operations run on more than one node. Unlike the DB limiter it is
// not transactional with the guarded write.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a redis-backed limiter.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Allow implements Limiter using a sliding-window counter.
func (r *Redis) Allow(ctx context.Context, scope, key string, rule Rule) error {
	if rule.Limit <= 0 {
		return nil
	}
	fullKey := redisKeyPrefix + scope + ":" + key
	now := time.Now().UnixNano()
	windowStart := now - rule.Window.Nanoseconds()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "0", fmt.Sprintf("%d", windowStart))
	countCmd := pipe.ZCard(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if countCmd.Val()+1 > int64(rule.Limit) {
		return apperr.RateLimited("")
	}

	pipe = r.client.Pipeline()
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d", now)})
	pipe.Expire(ctx, fullKey, rule.Window)
	_, err := pipe.Exec(ctx)
	return err
}

var _ Limiter = (*Redis)(nil)
