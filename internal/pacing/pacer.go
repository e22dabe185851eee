// Package pacing spaces out requests per account according to the
// strategy recommended for it.
package pacing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/account-engine/internal/model"
)

// Interval is the minimum spacing a recommendation allows between requests.
func Interval(r model.StrategyRecommendation) time.Duration {
	d := r.MinDelayBetweenRequests
	if r.MaxRequestsPerHour > 0 {
		if spacing := time.Hour / time.Duration(r.MaxRequestsPerHour); spacing > d {
			d = spacing
		}
	}
	return d
}

// adaptiveLimiter halves its rate on a rate-limit response and recovers by
// 20% per success, never above the recommended ceiling or below 1/8 of it.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(ceiling rate.Limit) *adaptiveLimiter {
	return &adaptiveLimiter{
		limiter: rate.NewLimiter(ceiling, 1),
		ceiling: ceiling,
		floor:   ceiling / 8,
		current: ceiling,
	}
}

func (a *adaptiveLimiter) setCeiling(ceiling rate.Limit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ceiling = ceiling
	a.floor = ceiling / 8
	a.current = ceiling
	a.limiter.SetLimit(ceiling)
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 1.2
	if next > a.ceiling {
		next = a.ceiling
	}
	a.current = next
	a.limiter.SetLimit(next)
}

func (a *adaptiveLimiter) onRateLimit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.current * 0.5
	if next < a.floor {
		next = a.floor
	}
	a.current = next
	a.limiter.SetLimit(next)
	return next
}

func (a *adaptiveLimiter) limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Pacer holds one adaptive limiter per paced account. Accounts without a
// recommendation are not paced.
type Pacer struct {
	mu       sync.RWMutex
	limiters map[string]*adaptiveLimiter
}

// New creates an empty Pacer.
func New() *Pacer {
	return &Pacer{limiters: make(map[string]*adaptiveLimiter)}
}

// Apply paces accountID according to r and returns the resulting limit.
func (p *Pacer) Apply(accountID string, r model.StrategyRecommendation) rate.Limit {
	limit := rate.Inf
	if iv := Interval(r); iv > 0 {
		limit = rate.Every(iv)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[accountID]; ok {
		l.setCeiling(limit)
	} else {
		p.limiters[accountID] = newAdaptiveLimiter(limit)
	}
	zap.L().Debug("account pacing applied",
		zap.String("component", "pacing"),
		zap.String("account_id", accountID),
		zap.String("category", r.Category),
		zap.Float64("requests_per_second", float64(limit)),
	)
	return limit
}

// Wait blocks until accountID may send its next request.
func (p *Pacer) Wait(ctx context.Context, accountID string) error {
	l := p.get(accountID)
	if l == nil {
		return ctx.Err()
	}
	return l.limiter.Wait(ctx)
}

// OnSuccess relaxes the account's pacing toward its ceiling.
func (p *Pacer) OnSuccess(accountID string) {
	if l := p.get(accountID); l != nil {
		l.onSuccess()
	}
}

// OnRateLimit halves the account's request rate.
func (p *Pacer) OnRateLimit(accountID string) {
	l := p.get(accountID)
	if l == nil {
		return
	}
	next := l.onRateLimit()
	zap.L().Warn("account pacing reduced after rate limit",
		zap.String("component", "pacing"),
		zap.String("account_id", accountID),
		zap.Float64("requests_per_second", float64(next)),
	)
}

// Limit returns the account's current rate, if it is paced.
func (p *Pacer) Limit(accountID string) (rate.Limit, bool) {
	l := p.get(accountID)
	if l == nil {
		return 0, false
	}
	return l.limit(), true
}

// Remove stops pacing accountID.
func (p *Pacer) Remove(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, accountID)
}

func (p *Pacer) get(accountID string) *adaptiveLimiter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiters[accountID]
}
