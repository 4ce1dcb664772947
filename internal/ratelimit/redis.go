package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/logging"
)

// slidingWindowScript implements a sliding window limiter on a Redis sorted
// set. Returns 1 when the request is allowed, 0 when rejected.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return 1
end
return 0
`)

// Redis is a distributed limiter sharing policy counters across gateway
// replicas. Quota state lives in Redis sorted sets, one per (policy, caller).
type Redis struct {
	client   *redis.Client
	policies map[string]*policy
	prefix   string
	timeout  time.Duration
}

// NewRedis creates a Redis-backed limiter. Redis coming up alongside the
// gateway is the common case, so the initial ping retries with backoff
// before boot is abandoned.
func NewRedis(rc config.RedisConfig, cfgs map[string]config.PolicyConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, bo); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{
		client:   client,
		policies: compilePolicies(cfgs),
		prefix:   "gw:rl:",
		timeout:  100 * time.Millisecond,
	}, nil
}

// Allow consults the shared window for the caller under the named policy.
// The window admits up to the policy's burst per period; see
// config.PolicyConfig for how this relates to the local token bucket.
// Redis failures fail open: quota state being unreachable must not take the
// edge down.
func (r *Redis) Allow(ctx context.Context, policyName, callerKey string) (bool, error) {
	p, ok := r.policies[policyName]
	if !ok {
		return true, fmt.Errorf("unknown rate limit policy %q", policyName)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.prefix + policyName + ":" + callerKey
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{key},
		time.Now().UnixMilli(),
		p.period.Milliseconds(),
		p.burst,
	).Int64()
	if err != nil {
		logging.Warn("redis rate limit unavailable, failing open",
			zap.String("policy", policyName),
			zap.Error(err),
		)
		return true, nil
	}

	return res == 1, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
