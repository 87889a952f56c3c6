package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a rate limit: Rate requests per Period with bursts up to Burst.
type Policy struct {
	Rate   int
	Period time.Duration
	Burst  int
}

func (p Policy) normalize() Policy {
	if p.Period <= 0 {
		p.Period = time.Minute
	}
	if p.Burst <= 0 {
		p.Burst = p.Rate
	}
	return p
}

func (p Policy) limit() rate.Limit {
	return rate.Limit(float64(p.Rate) / p.Period.Seconds())
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type bucket struct {
	policy   Policy
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process token bucket limiter shared by all routes. Buckets
// are keyed by caller key; a bucket whose policy changed is replaced.
type Local struct {
	buckets *shardedMap[*bucket]
	now     func() time.Time
}

// NewLocal creates an empty local limiter.
func NewLocal() *Local {
	return &Local{buckets: newShardedMap[*bucket](), now: time.Now}
}

// Allow takes one token from key's bucket.
func (l *Local) Allow(key string, p Policy) Decision {
	p = p.normalize()
	now := l.now()

	s := l.buckets.getShard(key)
	s.mu.Lock()
	b, ok := s.items[key]
	if !ok || b.policy != p {
		b = &bucket{policy: p, limiter: rate.NewLimiter(p.limit(), p.Burst)}
		s.items[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	s.mu.Unlock()

	d := Decision{Allowed: allowed, Limit: p.Burst, Remaining: int(math.Max(0, math.Floor(tokens)))}
	// time until the next whole token
	missing := 1 - (tokens - math.Floor(tokens))
	if tokens < 0 {
		missing = 1 - tokens
	}
	d.Reset = now.Add(time.Duration(missing / float64(p.limit()) * float64(time.Second)))
	return d
}

// Sweep drops buckets idle for longer than two of their periods.
func (l *Local) Sweep() int {
	now := l.now()
	return l.buckets.deleteFunc(func(_ string, b *bucket) bool {
		return now.Sub(b.lastSeen) > 2*b.policy.Period
	})
}

// Len returns the number of live buckets.
func (l *Local) Len() int { return l.buckets.len() }
