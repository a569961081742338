// Package ratelimit implements C6: a per-agent sliding-minute-window plus
// calendar-day-quota limiter. The day quota resets wholesale at UTC midnight;
// the minute window is smoothed by an x/time/rate.Limiter per bucket instead
// of a hand-rolled elapsed-time refill calculation, so burst/refill math
// matches the library's own well-tested token-bucket semantics.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"golang.org/x/time/rate"
)

// Limits holds the two ceilings a bucket enforces.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	mu         sync.Mutex
	minute     *rate.Limiter
	dayCount   int
	dayResetAt time.Time
}

// Limiter tracks one bucket per agent in memory. Buckets are cheap and
// agent-scoped, so no dedicated actor shard is needed: each bucket's own
// mutex already serializes its counters.
type Limiter struct {
	limits  Limits
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New builds a limiter with the given per-minute and per-day ceilings and
// starts a background goroutine that evicts idle buckets.
func New(limits Limits) *Limiter {
	l := &Limiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) bucketFor(agentID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[agentID]
	if !ok {
		now := time.Now()
		b = &bucket{
			minute:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.limits.PerMinute)), l.limits.PerMinute),
			dayResetAt: endOfDayUTC(now),
		}
		l.buckets[agentID] = b
	}
	return b
}

// Check consumes one request against agentID's minute window and day quota.
// A request that would exceed either ceiling is rejected and the caller is
// told how long to wait before retrying.
func (l *Limiter) Check(agentID string) Decision {
	b := l.bucketFor(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !now.Before(b.dayResetAt) {
		b.dayCount = 0
		b.dayResetAt = endOfDayUTC(now)
	}
	if b.dayCount >= l.limits.PerDay {
		return Decision{Allowed: false, RetryAfter: b.dayResetAt.Sub(now)}
	}

	r := b.minute.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, RetryAfter: time.Minute}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}
	}

	b.dayCount++
	return Decision{Allowed: true}
}

// Require is Check wrapped to return the taxonomy's RateLimited error.
func (l *Limiter) Require(agentID string) error {
	d := l.Check(agentID)
	if d.Allowed {
		return nil
	}
	return apierr.RateLimited("agent %s exceeded rate limit, retry after %s", agentID, d.RetryAfter.Round(time.Second))
}

func endOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := now.After(b.dayResetAt) && b.minute.TokensAt(now) >= float64(l.limits.PerMinute)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
		}
	}
}

// Stop halts the cleanup goroutine.
func (l *Limiter) Stop() { close(l.stop) }

// BucketSnapshot exposes an agent's current rate-limit counters for
// persistence or audit, independent of the Decision returned by Check.
type BucketSnapshot struct {
	AgentID     string    `json:"agent_id"`
	MinuteCount int       `json:"minute_count"`
	DayCount    int       `json:"day_count"`
	DayResetAt  time.Time `json:"day_reset_at"`
}

// Snapshot returns agentID's current counters for persistence or an API
// response; it does not consume a request.
func (l *Limiter) Snapshot(agentID string) BucketSnapshot {
	b := l.bucketFor(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	consumed := l.limits.PerMinute - int(math.Round(b.minute.TokensAt(now)))
	if consumed < 0 {
		consumed = 0
	}
	return BucketSnapshot{
		AgentID:     agentID,
		MinuteCount: consumed,
		DayCount:    b.dayCount,
		DayResetAt:  b.dayResetAt,
	}
}
