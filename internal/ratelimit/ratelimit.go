// Package ratelimit caps how many actions one identity may take per period.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DoyleJ11/league-live/internal/shard"
)

var ErrRateLimited = errors.New("rate limited")

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type bucket struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter gives every key a token bucket of limit tokens that refills over
// one period. Keys are partitioned so that unrelated identities do not
// contend on one lock.
type Limiter struct {
	limit   int
	period  time.Duration
	buckets []bucket
}

// New allows bursts of limit actions, refilled at limit per period. A
// non-positive limit disables limiting.
func New(limit int, period time.Duration) *Limiter {
	l := &Limiter{limit: limit, period: period, buckets: make([]bucket, shard.DefaultCount)}
	for i := range l.buckets {
		l.buckets[i].entries = make(map[string]*entry)
	}
	return l
}

// Allow spends one token of key's bucket at now and reports whether one was
// available.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 || l.period <= 0 {
		return true
	}
	b := &l.buckets[shard.Index(key, len(l.buckets))]
	b.mu.Lock()
	e := b.entries[key]
	if e == nil {
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.period/time.Duration(l.limit)), l.limit)}
		b.entries[key] = e
	}
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	b.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Prune drops keys idle for a full period. Their buckets have refilled, so
// forgetting them changes nothing.
func (l *Limiter) Prune(now time.Time) {
	if l == nil {
		return
	}
	for i := range l.buckets {
		b := &l.buckets[i]
		b.mu.Lock()
		for key, e := range b.entries {
			if now.Sub(e.lastSeen) >= l.period {
				delete(b.entries, key)
			}
		}
		b.mu.Unlock()
	}
}

// Run prunes idle keys once per period until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	if l == nil || l.period <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.Prune(now)
		}
	}
}
