package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter enforces the same four dimensions as TieredLimiter against
// shared Redis state, so limits hold across gateway instances. Request
// windows are sorted sets of timestamps; concurrency and token usage are
// plain counters with expiry as a leak guard.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client}, nil
}

func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) Check(ctx context.Context, callerID string, tier domain.Tier, estTokens int64) (Lease, error) {
	key := callerID + ":" + tier.Name
	now := time.Now()

	minuteMember, err := r.checkWindow(ctx, "rl:m:"+key, time.Minute, tier.RequestsPerMinute, now)
	if err != nil {
		return nil, err
	}
	if minuteMember == "" {
		ra, _ := r.windowRetryAfter(ctx, "rl:m:"+key, time.Minute, now)
		return nil, &domain.RateLimitError{Dimension: DimRequestsPerMinute, Limit: int64(tier.RequestsPerMinute), RetryAfter: ra}
	}

	hourMember, err := r.checkWindow(ctx, "rl:h:"+key, time.Hour, tier.RequestsPerHour, now)
	if err != nil {
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		return nil, err
	}
	if hourMember == "" {
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		ra, _ := r.windowRetryAfter(ctx, "rl:h:"+key, time.Hour, now)
		return nil, &domain.RateLimitError{Dimension: DimRequestsPerHour, Limit: int64(tier.RequestsPerHour), RetryAfter: ra}
	}

	concKey := "rl:c:" + key
	inFlight, err := r.client.Incr(ctx, concKey).Result()
	if err != nil {
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		r.client.ZRem(ctx, "rl:h:"+key, hourMember)
		return nil, err
	}
	r.client.Expire(ctx, concKey, 10*time.Minute)
	if inFlight > int64(tier.MaxConcurrent) {
		r.client.Decr(ctx, concKey)
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		r.client.ZRem(ctx, "rl:h:"+key, hourMember)
		return nil, &domain.RateLimitError{Dimension: DimConcurrent, Limit: int64(tier.MaxConcurrent), RetryAfter: time.Second}
	}

	tokKey := tokenBucketKey(key, now)
	used, err := r.client.IncrBy(ctx, tokKey, estTokens).Result()
	if err != nil {
		r.client.Decr(ctx, concKey)
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		r.client.ZRem(ctx, "rl:h:"+key, hourMember)
		return nil, err
	}
	r.client.Expire(ctx, tokKey, 2*time.Minute)
	if used > tier.TokensPerMinute {
		r.client.DecrBy(ctx, tokKey, estTokens)
		r.client.Decr(ctx, concKey)
		r.client.ZRem(ctx, "rl:m:"+key, minuteMember)
		r.client.ZRem(ctx, "rl:h:"+key, hourMember)
		ra := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		return nil, &domain.RateLimitError{Dimension: DimTokenBudget, Limit: tier.TokensPerMinute, RetryAfter: ra}
	}

	return &redisLease{
		limiter:   r,
		key:       key,
		tier:      tier,
		tokenKey:  tokKey,
		estTokens: estTokens,
	}, nil
}

// checkWindow prunes expired entries, adds a tentative one, and counts the
// window in a single pipeline. Returns the added member, or "" when the
// window is full (the tentative entry is removed by the caller path).
func (r *RedisLimiter) checkWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (string, error) {
	member := uuid.New().String()

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("ratelimit pipeline: %w", err)
	}

	if int(countCmd.Val()) > limit {
		r.client.ZRem(ctx, key, member)
		return "", nil
	}
	return member, nil
}

func (r *RedisLimiter) windowRetryAfter(ctx context.Context, key string, window time.Duration, now time.Time) (time.Duration, error) {
	vals, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(vals) == 0 {
		return window, err
	}
	oldest := time.Unix(0, int64(vals[0].Score))
	return retryAfter(oldest, window, now), nil
}

func tokenBucketKey(key string, now time.Time) string {
	return "rl:t:" + key + ":" + strconv.FormatInt(now.Unix()/60, 10)
}

type redisLease struct {
	limiter   *RedisLimiter
	key       string
	tier      domain.Tier
	tokenKey  string
	backend   string
	estTokens int64
	released  sync.Once
}

func (le *redisLease) AcquireBackend(ctx context.Context, backend string) error {
	if le.tier.MaxConcurrentBackend <= 0 {
		return nil
	}

	bkey := "rl:b:" + le.key + ":" + backend
	n, err := le.limiter.client.Incr(ctx, bkey).Result()
	if err != nil {
		return err
	}
	le.limiter.client.Expire(ctx, bkey, 10*time.Minute)

	if n > int64(le.tier.MaxConcurrentBackend) {
		le.limiter.client.Decr(ctx, bkey)
		return &domain.RateLimitError{
			Dimension:  DimConcurrentBackend,
			Limit:      int64(le.tier.MaxConcurrentBackend),
			RetryAfter: time.Second,
		}
	}
	le.backend = backend
	return nil
}

func (le *redisLease) Release(ctx context.Context, actualTokens int64) {
	le.released.Do(func() {
		le.limiter.client.Decr(ctx, "rl:c:"+le.key)
		if le.backend != "" {
			le.limiter.client.Decr(ctx, "rl:b:"+le.key+":"+le.backend)
		}
		if actualTokens >= 0 && actualTokens != le.estTokens {
			le.limiter.client.IncrBy(ctx, le.tokenKey, actualTokens-le.estTokens)
		}
	})
}
