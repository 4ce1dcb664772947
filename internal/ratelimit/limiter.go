// Package ratelimit provides the named-policy quota oracle the dispatch
// engine consults. Implementations own their synchronization; callers treat
// Allow as an atomic allow/deny decision per request.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arcline/gateway/internal/config"
)

// Limiter answers whether a caller may proceed under a named policy.
type Limiter interface {
	Allow(ctx context.Context, policy, callerKey string) (bool, error)
	Close() error
}

// policy is a compiled rate-limit policy.
type policy struct {
	limit  rate.Limit
	burst  int
	period time.Duration
	rateN  int
}

func compilePolicies(cfgs map[string]config.PolicyConfig) map[string]*policy {
	policies := make(map[string]*policy, len(cfgs))
	for name, pc := range cfgs {
		period := pc.Period
		if period == 0 {
			period = time.Minute
		}
		burst := pc.Burst
		if burst == 0 {
			burst = pc.Rate
		}
		policies[name] = &policy{
			limit:  rate.Limit(float64(pc.Rate) / period.Seconds()),
			burst:  burst,
			period: period,
			rateN:  pc.Rate,
		}
	}
	return policies
}

const shardCount = 32

// shard holds the per-caller token buckets for one slice of the key space.
type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process limiter: one token bucket per (policy, caller),
// stored in a sharded map with periodic expiry of idle buckets.
type Local struct {
	policies map[string]*policy
	shards   [shardCount]*shard
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLocal creates a local limiter from the configured policies.
func NewLocal(cfgs map[string]config.PolicyConfig) *Local {
	l := &Local{
		policies: compilePolicies(cfgs),
		stop:     make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{items: make(map[string]*entry)}
	}
	go l.cleanup()
	return l
}

// Allow checks the caller's bucket under the named policy. An unknown policy
// is a wiring bug surfaced at startup validation; at request time it denies
// nothing and reports the error.
func (l *Local) Allow(_ context.Context, policyName, callerKey string) (bool, error) {
	p, ok := l.policies[policyName]
	if !ok {
		return true, fmt.Errorf("unknown rate limit policy %q", policyName)
	}

	key := policyName + "|" + callerKey
	s := l.shards[fnv32(key)%shardCount]

	s.mu.Lock()
	e, exists := s.items[key]
	if !exists {
		e = &entry{lim: rate.NewLimiter(p.limit, p.burst)}
		s.items[key] = e
	}
	e.lastSeen = time.Now()
	allowed := e.lim.Allow()
	s.mu.Unlock()

	return allowed, nil
}

// Close stops the cleanup goroutine.
func (l *Local) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

// cleanup drops buckets idle long enough to be fully refilled anyway.
func (l *Local) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			for _, s := range l.shards {
				s.mu.Lock()
				for k, e := range s.items {
					if e.lastSeen.Before(cutoff) {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// HasPolicy reports whether a policy name is configured.
func (l *Local) HasPolicy(name string) bool {
	_, ok := l.policies[name]
	return ok
}

// fnv32 hashes a key for shard selection.
func fnv32(key string) uint32 {
	const prime32 = 16777619
	hash := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		hash *= prime32
		hash ^= uint32(key[i])
	}
	return hash
}

// ValidatePolicies ensures every referenced policy name is configured.
func ValidatePolicies(referenced map[string]bool, cfgs map[string]config.PolicyConfig) error {
	for name := range referenced {
		if _, ok := cfgs[name]; !ok {
			return fmt.Errorf("route table references undeclared rate limit policy %q", name)
		}
	}
	return nil
}
