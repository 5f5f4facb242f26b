// Package ratelimit bounds how often one agent may call the purchase API.
//
// Local keeps a token bucket per key in process memory. Redis keeps the
// buckets in Redis so that several server instances share one budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Policy is a token bucket: Rate requests per second on average, Burst at once.
type Policy struct {
	Rate  float64
	Burst int
}

// DefaultPolicy allows two requests per second with bursts of ten.
var DefaultPolicy = Policy{Rate: 2, Burst: 10}

func (p Policy) normalized() Policy {
	if p.Rate <= 0 {
		p.Rate = DefaultPolicy.Rate
	}
	if p.Burst <= 0 {
		p.Burst = DefaultPolicy.Burst
	}
	return p
}

// idleTTL is how long an unused bucket is kept.
const idleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process Limiter.
type Local struct {
	policy   Policy
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

var _ Limiter = (*Local)(nil)

// NewLocal returns an in-process limiter.
func NewLocal(policy Policy) *Local {
	return &Local{
		policy:   policy.normalized(),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.Rate), l.policy.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// sweep drops idle buckets. Callers hold mu.
func (l *Local) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(l.visitors, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
