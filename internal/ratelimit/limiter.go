// Package ratelimit implements the per-account, per-endpoint-class rate
// limiter (C4): a token bucket for burst/sustained rate plus a daily cap
// counted per UTC calendar day; the count resets at UTC midnight and is
// not a rolling 24-hour window. It is in-process and advisory — the
// broker remains the authoritative source of limits.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EndpointClass groups broker calls that share a rate budget.
type EndpointClass string

const (
	ClassSubscribe EndpointClass = "subscribe"
	ClassOrder     EndpointClass = "order"
	ClassHistorical EndpointClass = "historical"
)

// Decision is the outcome of a try-acquire call.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

type key struct {
	accountID string
	class     EndpointClass
}

// dailyCounter is a fixed-window counter that resets once a day boundary
// (UTC calendar day) passes, used for daily quota enforcement.
type dailyCounter struct {
	mu      sync.Mutex
	day     string
	count   int
	maxPerDay int
}

func (d *dailyCounter) tryIncrement(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	today := now.UTC().Format("2006-01-02")
	if today != d.day {
		d.day = today
		d.count = 0
	}
	if d.maxPerDay > 0 && d.count >= d.maxPerDay {
		return false
	}
	d.count++
	return true
}

// Limits configures the token bucket and the per-UTC-day cap for one
// endpoint class.
type Limits struct {
	BurstTokens   int
	RatePerSecond float64
	MaxPerDay     int // 0 disables the daily cap
}

// Limiter owns a token bucket and a daily counter per (account, class).
type Limiter struct {
	mu       sync.Mutex
	buckets  map[key]*rate.Limiter
	counters map[key]*dailyCounter
	limits   map[EndpointClass]Limits
}

// New creates a Limiter configured per endpoint class.
func New(limits map[EndpointClass]Limits) *Limiter {
	return &Limiter{
		buckets:  make(map[key]*rate.Limiter),
		counters: make(map[key]*dailyCounter),
		limits:   limits,
	}
}

func (l *Limiter) bucketFor(k key) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[k]; ok {
		return b
	}
	cfg := l.limits[k.class]
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.BurstTokens <= 0 {
		cfg.BurstTokens = 1
	}
	b := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.BurstTokens)
	l.buckets[k] = b
	return b
}

func (l *Limiter) counterFor(k key) *dailyCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[k]; ok {
		return c
	}
	c := &dailyCounter{maxPerDay: l.limits[k.class].MaxPerDay}
	l.counters[k] = c
	return c
}

// TryAcquire attempts to consume one token for (accountID, class) and
// checks the daily cap. It never blocks.
func (l *Limiter) TryAcquire(accountID string, class EndpointClass) Decision {
	return l.TryAcquireAt(accountID, class, time.Now())
}

// TryAcquireAt is TryAcquire with an injectable clock, for deterministic
// tests of the daily-boundary reset.
func (l *Limiter) TryAcquireAt(accountID string, class EndpointClass, now time.Time) Decision {
	k := key{accountID: accountID, class: class}

	if cnt := l.counterFor(k); !cnt.tryIncrement(now) {
		return Decision{OK: false, RetryAfter: untilNextDay(now)}
	}

	b := l.bucketFor(k)
	res := b.ReserveN(now, 1)
	if !res.OK() {
		return Decision{OK: false, RetryAfter: time.Second}
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.Cancel()
		return Decision{OK: false, RetryAfter: delay}
	}
	return Decision{OK: true}
}

func untilNextDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
