// Package ratelimit provides tiered admission control for execution requests.
// Four dimensions are enforced on every check: requests-per-minute,
// requests-per-hour, concurrent in-flight executions, and a per-minute token
// budget. Request windows use a sliding-window algorithm with lazy eviction.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
)

// Admission dimension names, reported on denial.
const (
	DimRequestsPerMinute = "requests_per_minute"
	DimRequestsPerHour   = "requests_per_hour"
	DimConcurrent        = "concurrent"
	DimConcurrentBackend = "concurrent_per_backend"
	DimTokenBudget       = "token_budget"
)

// Limiter admits or denies a request against a caller's tier. On admission
// it returns a Lease that must be released exactly once on every exit path.
// Denials are reported as *domain.RateLimitError.
type Limiter interface {
	Check(ctx context.Context, callerID string, tier domain.Tier, estTokens int64) (Lease, error)
}

// Lease is a scoped admission. AcquireBackend claims a per-backend slot once
// the model has been chosen; Release returns all slots and settles the token
// window to actual usage. Release is idempotent.
type Lease interface {
	AcquireBackend(ctx context.Context, backend string) error
	Release(ctx context.Context, actualTokens int64)
}

// TieredLimiter implements Limiter with in-memory sliding windows. State is
// a map from caller+tier to an independently locked cell, so contention on
// one caller never serializes another.
type TieredLimiter struct {
	mu      sync.RWMutex
	callers map[string]*callerState
	now     func() time.Time
}

type callerState struct {
	mu         sync.Mutex
	minute     []time.Time
	hour       []time.Time
	tokens     []*tokenEntry
	inFlight   int
	perBackend map[string]int
	lastSeen   time.Time
}

type tokenEntry struct {
	at     time.Time
	amount int64
}

func NewTieredLimiter() *TieredLimiter {
	l := &TieredLimiter{
		callers: make(map[string]*callerState),
		now:     time.Now,
	}
	go l.evictIdle()
	return l
}

// newTieredLimiterAt is used by tests to control the clock.
func newTieredLimiterAt(now func() time.Time) *TieredLimiter {
	return &TieredLimiter{
		callers: make(map[string]*callerState),
		now:     now,
	}
}

func (l *TieredLimiter) cell(callerID, tier string) *callerState {
	key := callerID + ":" + tier

	l.mu.RLock()
	cs, ok := l.callers[key]
	l.mu.RUnlock()
	if ok {
		return cs
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok := l.callers[key]; ok {
		return cs
	}
	cs = &callerState{perBackend: make(map[string]int)}
	l.callers[key] = cs
	return cs
}

// Check evaluates all four dimensions atomically under the caller's cell
// lock; the first dimension that fails determines the denial. On admission
// the window entries and the in-flight slot are recorded before returning.
func (l *TieredLimiter) Check(ctx context.Context, callerID string, tier domain.Tier, estTokens int64) (Lease, error) {
	cs := l.cell(callerID, tier.Name)
	now := l.now()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.lastSeen = now
	cs.minute = pruneTimes(cs.minute, now.Add(-time.Minute))
	cs.hour = pruneTimes(cs.hour, now.Add(-time.Hour))
	cs.tokens = pruneTokens(cs.tokens, now.Add(-time.Minute))

	if len(cs.minute) >= tier.RequestsPerMinute {
		return nil, &domain.RateLimitError{
			Dimension:  DimRequestsPerMinute,
			Limit:      int64(tier.RequestsPerMinute),
			RetryAfter: retryAfter(cs.minute[0], time.Minute, now),
		}
	}
	if len(cs.hour) >= tier.RequestsPerHour {
		return nil, &domain.RateLimitError{
			Dimension:  DimRequestsPerHour,
			Limit:      int64(tier.RequestsPerHour),
			RetryAfter: retryAfter(cs.hour[0], time.Hour, now),
		}
	}
	if cs.inFlight >= tier.MaxConcurrent {
		return nil, &domain.RateLimitError{
			Dimension:  DimConcurrent,
			Limit:      int64(tier.MaxConcurrent),
			RetryAfter: time.Second,
		}
	}
	if used := sumTokens(cs.tokens); used+estTokens > tier.TokensPerMinute {
		ra := time.Minute
		if len(cs.tokens) > 0 {
			ra = retryAfter(cs.tokens[0].at, time.Minute, now)
		}
		return nil, &domain.RateLimitError{
			Dimension:  DimTokenBudget,
			Limit:      tier.TokensPerMinute,
			RetryAfter: ra,
		}
	}

	entry := &tokenEntry{at: now, amount: estTokens}
	cs.minute = append(cs.minute, now)
	cs.hour = append(cs.hour, now)
	cs.tokens = append(cs.tokens, entry)
	cs.inFlight++

	return &memLease{cs: cs, tier: tier, entry: entry}, nil
}

// InFlight reports the caller's current concurrency usage, for observability.
func (l *TieredLimiter) InFlight(callerID, tier string) int {
	cs := l.cell(callerID, tier)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.inFlight
}

// evictIdle drops cells that have been quiet for longer than the largest
// window, keeping the map from growing without bound.
func (l *TieredLimiter) evictIdle() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := l.now().Add(-2 * time.Hour)
		l.mu.Lock()
		for key, cs := range l.callers {
			cs.mu.Lock()
			idle := cs.inFlight == 0 && cs.lastSeen.Before(cutoff)
			cs.mu.Unlock()
			if idle {
				delete(l.callers, key)
			}
		}
		l.mu.Unlock()
	}
}

type memLease struct {
	cs       *callerState
	tier     domain.Tier
	entry    *tokenEntry
	backend  string
	released sync.Once
}

func (le *memLease) AcquireBackend(ctx context.Context, backend string) error {
	if le.tier.MaxConcurrentBackend <= 0 {
		return nil
	}

	le.cs.mu.Lock()
	defer le.cs.mu.Unlock()

	if le.cs.perBackend[backend] >= le.tier.MaxConcurrentBackend {
		return &domain.RateLimitError{
			Dimension:  DimConcurrentBackend,
			Limit:      int64(le.tier.MaxConcurrentBackend),
			RetryAfter: time.Second,
		}
	}
	le.cs.perBackend[backend]++
	le.backend = backend
	return nil
}

func (le *memLease) Release(ctx context.Context, actualTokens int64) {
	le.released.Do(func() {
		le.cs.mu.Lock()
		defer le.cs.mu.Unlock()

		le.cs.inFlight--
		if le.backend != "" {
			le.cs.perBackend[le.backend]--
			if le.cs.perBackend[le.backend] <= 0 {
				delete(le.cs.perBackend, le.backend)
			}
		}
		// Settle the token window from the admission estimate to what the
		// backend actually reported. The entry may already have slid out of
		// the window, in which case there is nothing to settle.
		if actualTokens >= 0 {
			le.entry.amount = actualTokens
		}
	})
}

func pruneTimes(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	return entries[i:]
}

func pruneTokens(entries []*tokenEntry, cutoff time.Time) []*tokenEntry {
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	return entries[i:]
}

func sumTokens(entries []*tokenEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.amount
	}
	return total
}

// retryAfter is the time until the oldest in-window entry slides out.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	ra := oldest.Add(window).Sub(now)
	if ra <= 0 {
		ra = time.Millisecond
	}
	return ra
}
