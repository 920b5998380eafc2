// Package ratelimit throttles quote requests per agent.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Check when the actor is over its rate.
var ErrLimited = errors.New("ratelimit: rate limit exceeded")

// Policy is a token bucket: RPM refill per minute, Burst capacity.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

// Store abstracts where buckets live.
type Store interface {
	// Allow reports whether actorID may spend cost tokens now.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// Check consumes one token for actorID. A nil store fails closed.
func Check(ctx context.Context, s Store, actorID string, policy Policy) error {
	if s == nil {
		return fmt.Errorf("ratelimit: no store configured")
	}
	allowed, err := s.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: check %s: %w", actorID, err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, actorID)
	}
	return nil
}

// MemoryStore keeps one limiter per actor in process. Suitable for a single
// instance.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*rate.Limiter), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	l, ok := s.limiters[actorID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.Burst)
		s.limiters[actorID] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.clock(), cost), nil
}
