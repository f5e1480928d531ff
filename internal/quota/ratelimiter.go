package quota

import (
	"container/list"
	"sync"
	"time"

	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/tenant"
)

// RateLimiterConfig tunes the tumbling-window limiter.
type RateLimiterConfig struct {
	// Window is the tumbling window length. Default 1m.
	Window time.Duration
	// DefaultLimit applies when the tenant's plan has no entry. Default
	// 60 requests per window.
	DefaultLimit int64
	// LimitsPerPlan overrides the limit per plan. Nil falls back to the
	// plan's MaxBehaviorsPerMinute.
	LimitsPerPlan map[tenant.Plan]int64
	// MaxEntries caps the window map; least-recently-used windows are
	// evicted past it. Default 10000.
	MaxEntries int
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

type window struct {
	key     string
	count   int64
	resetAt time.Time
	elem    *list.Element
}

// RateLimiter is a tumbling-window counter keyed (tenantId, sub-key).
// Windows are not smoothed across boundaries; a burst can double up at
// a boundary, which is the accepted trade for simplicity.
type RateLimiter struct {
	cfg RateLimiterConfig
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	lru     *list.List // front = most recently used
}

// NewRateLimiter builds a limiter, filling config defaults.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 60
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
		lru:     list.New(),
	}
}

// limitFor selects the limit: per-plan override, then the plan's
// behaviors-per-minute cap, then the default.
func (rl *RateLimiter) limitFor(t *tenant.Tenant) int64 {
	if rl.cfg.LimitsPerPlan != nil {
		if limit, ok := rl.cfg.LimitsPerPlan[t.Plan]; ok {
			return limit
		}
	}
	if limit := t.Limits.For(tenant.MetricBehaviors); limit != 0 {
		return limit
	}
	return rl.cfg.DefaultLimit
}

func windowKey(tenantID, subKey string) string {
	if subKey == "" {
		return tenantID
	}
	return tenantID + ":" + subKey
}

// IsAllowed checks and, when under the limit, consumes one unit of the
// tenant's window.
func (rl *RateLimiter) IsAllowed(t *tenant.Tenant, subKey string) Decision {
	limit := rl.limitFor(t)
	now := rl.now()

	if limit == tenant.Unlimited {
		return Decision{Allowed: true, Limit: tenant.Unlimited, Remaining: tenant.Unlimited, ResetAt: now.Add(rl.cfg.Window)}
	}

	key := windowKey(t.ID, subKey)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		w = &window{key: key, resetAt: now.Add(rl.cfg.Window)}
		w.elem = rl.lru.PushFront(w)
		rl.windows[key] = w
		rl.evictLocked()
	} else {
		rl.lru.MoveToFront(w.elem)
		if now.After(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(rl.cfg.Window)
		}
	}

	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    w.resetAt,
			RetryAfter: w.resetAt.Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Enforce fails with RATE_LIMIT_EXCEEDED carrying retryAfter when the
// window is exhausted.
func (rl *RateLimiter) Enforce(t *tenant.Tenant, subKey string) (Decision, error) {
	d := rl.IsAllowed(t, subKey)
	if !d.Allowed {
		err := protocol.E(protocol.CodeRateLimitExceeded, "rate limit of %d per %s exceeded", d.Limit, rl.cfg.Window)
		err.RetryAfter = d.RetryAfter
		return d, err
	}
	return d, nil
}

// Reset clears the window for a key.
func (rl *RateLimiter) Reset(tenantID, subKey string) {
	key := windowKey(tenantID, subKey)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.windows[key]; ok {
		rl.lru.Remove(w.elem)
		delete(rl.windows, key)
	}
}

// Cleanup drops every expired window and returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			rl.lru.Remove(w.elem)
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the live window count.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// evictLocked trims least-recently-used windows past MaxEntries.
func (rl *RateLimiter) evictLocked() {
	for len(rl.windows) > rl.cfg.MaxEntries {
		oldest := rl.lru.Back()
		if oldest == nil {
			return
		}
		w := oldest.Value.(*window)
		rl.lru.Remove(oldest)
		delete(rl.windows, w.key)
	}
}
