package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic circuit breaker operations. Each state transition
// touches multiple Redis keys; the scripts keep those updates atomic across
// instances.

// allowScript checks whether a call may proceed and handles the
// open -> half-open transition once the open timeout has elapsed.
// Keys: [state_key, last_transition_key, successes_key, halfopen_key]
// Args: [open_timeout_seconds, max_halfopen_calls]
// Returns: "allowed", "open", or "halfopen_full"
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])
local maxTrials = tonumber(ARGV[2])

if state == 'closed' then
    return 'allowed'
end

if state == 'open' then
    local since = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - since) >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[2], now)
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[4], '1')
        return 'allowed'
    end
    return 'open'
end

local trials = redis.call('INCR', KEYS[4])
if trials > maxTrials then
    return 'halfopen_full'
end
return 'allowed'
`)

// recordSuccessScript counts half-open successes and closes the circuit at
// the threshold.
// Keys: [state_key, failures_key, successes_key, last_transition_key, halfopen_key]
// Args: [success_threshold]
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    local threshold = tonumber(ARGV[1])

    if successes >= threshold then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        redis.call('SET', KEYS[5], '0')
        redis.call('SET', KEYS[4], tonumber(redis.call('TIME')[1]))
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// recordFailureScript counts consecutive failures and opens the circuit at
// the threshold; any half-open failure reopens immediately.
// Keys: [state_key, failures_key, last_transition_key, successes_key, halfopen_key]
// Args: [failure_threshold]
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = tonumber(redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    local threshold = tonumber(ARGV[1])

    if failures >= threshold then
        redis.call('SET', KEYS[1], 'open')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], now)
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    redis.call('SET', KEYS[5], '0')
    redis.call('SET', KEYS[3], now)
    return 'open'
end

return state
`)

// RedisBreaker shares a dependency's circuit state across instances. Lua
// scripts keep state transitions atomic; on Redis errors the breaker fails
// open so that a Redis outage never blocks execution.
type RedisBreaker struct {
	client     *redis.Client
	dependency string
	config     Config
	keyPrefix  string
}

func NewRedis(redisURL, dependency string, cfg Config) (*RedisBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisWithClient(client, dependency, cfg), nil
}

// NewRedisWithClient creates a Redis-backed breaker sharing an existing
// connection pool.
func NewRedisWithClient(client *redis.Client, dependency string, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client:     client,
		dependency: dependency,
		config:     cfg,
		keyPrefix:  fmt.Sprintf("cb:%s:", dependency),
	}
}

func (cb *RedisBreaker) stateKey() string          { return cb.keyPrefix + "state" }
func (cb *RedisBreaker) failuresKey() string       { return cb.keyPrefix + "failures" }
func (cb *RedisBreaker) successesKey() string      { return cb.keyPrefix + "successes" }
func (cb *RedisBreaker) halfOpenKey() string       { return cb.keyPrefix + "halfopen" }
func (cb *RedisBreaker) lastTransitionKey() string { return cb.keyPrefix + "last_transition" }

func (cb *RedisBreaker) Allow(ctx context.Context) error {
	keys := []string{cb.stateKey(), cb.lastTransitionKey(), cb.successesKey(), cb.halfOpenKey()}
	args := []interface{}{int(cb.config.OpenTimeout.Seconds()), cb.config.maxHalfOpen()}

	result, err := allowScript.Run(ctx, cb.client, keys, args...).Text()
	if err != nil {
		// Redis unreachable: fail open, allow the call.
		return nil
	}

	switch result {
	case "open", "halfopen_full":
		return &domain.CircuitOpenError{Dependency: cb.dependency, RetryAfter: cb.config.OpenTimeout}
	default:
		return nil
	}
}

func (cb *RedisBreaker) RecordSuccess(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.successesKey(), cb.lastTransitionKey(), cb.halfOpenKey()}
	recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold)
}

func (cb *RedisBreaker) RecordFailure(ctx context.Context) {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.lastTransitionKey(), cb.successesKey(), cb.halfOpenKey()}
	recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold)
}

func (cb *RedisBreaker) State(ctx context.Context) State {
	state, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}

	switch state {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (cb *RedisBreaker) Close() error {
	return cb.client.Close()
}
