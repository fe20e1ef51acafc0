// Package ratelimit remembers the external API's rate-limit cooldown.
//
// A Guard is shared by every caller that talks to the external system for a
// tenant: scheduled pulls, the retry worker and operator pushes. Once the API
// answers 429 the guard rejects calls until the cooldown elapses.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/syncerr"
)

const DefaultRetryAfter = 60 * time.Second

type Guard struct {
	mu            sync.Mutex
	cooldownUntil time.Time
	defaultWait   time.Duration
	now           func() time.Time
	tenant        string
}

type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithDefaultRetryAfter sets the cooldown used when a 429 carries no hint.
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.defaultWait = d
		}
	}
}

func WithTenant(tenant string) Option {
	return func(g *Guard) { g.tenant = tenant }
}

func NewGuard(opts ...Option) *Guard {
	g := &Guard{defaultWait: DefaultRetryAfter, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check fails fast with a RateLimited error while cooling down.
func (g *Guard) Check(op string) error {
	if remaining := g.remaining(); remaining > 0 {
		return syncerr.RateLimited(op, remaining)
	}
	return nil
}

// Trip records a 429. retryAfter <= 0 means no hint was given. The deadline
// only ever moves forward. It returns the effective deadline.
func (g *Guard) Trip(retryAfter time.Duration) time.Time {
	if retryAfter <= 0 {
		retryAfter = g.defaultWait
	}

	g.mu.Lock()
	now := g.now()
	candidate := now.Add(retryAfter)
	if candidate.After(g.cooldownUntil) {
		g.cooldownUntil = candidate
	}
	until := g.cooldownUntil
	g.mu.Unlock()

	metrics.RateLimitCooldown.WithLabelValues(g.tenant).Set(until.Sub(now).Seconds())
	logger.Named("ratelimit").Warn("External API rate limited",
		zap.String("tenant", g.tenant),
		zap.Duration("retry_after", retryAfter),
		zap.Time("cooldown_until", until),
	)
	return until
}

func (g *Guard) IsLimited() bool {
	return g.remaining() > 0
}

// RemainingSeconds is the cooldown left, rounded up.
func (g *Guard) RemainingSeconds() int {
	return syncerr.RemainingSeconds(g.remaining())
}

func (g *Guard) CooldownUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil
}

// Reset clears the cooldown. Operator override only.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.cooldownUntil = time.Time{}
	g.mu.Unlock()
	metrics.RateLimitCooldown.WithLabelValues(g.tenant).Set(0)
	logger.Named("ratelimit").Info("Rate limit cooldown reset", zap.String("tenant", g.tenant))
}

func (g *Guard) remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.cooldownUntil.Sub(g.now())
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter reads a Retry-After header in delta-seconds or HTTP-date form.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Registry hands out one Guard per tenant.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*Guard
	opts   []Option
}

func NewRegistry(opts ...Option) *Registry {
	return &Registry{guards: make(map[string]*Guard), opts: opts}
}

func (r *Registry) For(tenant string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[tenant]
	if !ok {
		opts := append(append([]Option{}, r.opts...), WithTenant(tenant))
		g = NewGuard(opts...)
		r.guards[tenant] = g
	}
	return g
}
