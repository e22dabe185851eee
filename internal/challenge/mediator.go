// Package challenge solves anti-bot challenges through an external solver
// and shares each solution across every worker that hits the same challenge.
package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/resilience"
)

// Solver solves a single challenge.
type Solver interface {
	Solve(ctx context.Context, ch model.Challenge) (model.Solution, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, ch model.Challenge) (model.Solution, error)

// Solve calls f.
func (f SolverFunc) Solve(ctx context.Context, ch model.Challenge) (model.Solution, error) {
	return f(ctx, ch)
}

// Config tunes the mediator.
type Config struct {
	// TTL is how long a solution is reused. Default: 10m.
	TTL time.Duration
	// Timeout bounds a single solve. Default: 2m.
	Timeout time.Duration
}

// Mediator deduplicates solver calls by challenge id.
type Mediator struct {
	solver  Solver
	breaker *resilience.Breaker
	cfg     Config
	nowFunc func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	cache   map[string]model.ChallengeRecord
	pending map[string]model.Challenge
}

// NewMediator creates a Mediator. breaker may be nil.
func NewMediator(solver Solver, breaker *resilience.Breaker, cfg Config) *Mediator {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Mediator{
		solver:  solver,
		breaker: breaker,
		cfg:     cfg,
		nowFunc: time.Now,
		cache:   make(map[string]model.ChallengeRecord),
		pending: make(map[string]model.Challenge),
	}
}

// HandleChallenge returns the cached solution for ch or solves it.
// Concurrent calls for the same unsolved challenge share one solver call.
// Failures are not cached and wrap model.ErrChallengeUnsolvable.
func (m *Mediator) HandleChallenge(ctx context.Context, accountID string, ch model.Challenge) (model.ChallengeRecord, error) {
	if ch.ID == "" {
		return model.ChallengeRecord{}, eris.Wrap(model.ErrChallengeUnsolvable, "challenge: missing challenge id")
	}
	if rec, ok := m.Lookup(ch.ID); ok {
		metrics.ObserveChallenge("cache_hit", 0)
		return rec, nil
	}

	start := time.Now()
	resCh := m.group.DoChan(ch.ID, func() (any, error) {
		if rec, ok := m.Lookup(ch.ID); ok {
			return rec, nil
		}
		// The solve outlives any single waiter; other callers may join it.
		sol, err := resilience.Guard(context.WithoutCancel(ctx), m.breaker, m.cfg.Timeout, func(ctx context.Context) (model.Solution, error) {
			return m.solver.Solve(ctx, ch)
		})
		if err != nil {
			metrics.ObserveChallenge("failed", 0)
			return nil, err
		}

		now := m.nowFunc()
		rec := model.ChallengeRecord{
			Challenge: ch,
			Solution:  sol,
			SolvedAt:  now,
			ExpiresAt: m.expiry(ch, now),
		}
		m.mu.Lock()
		m.cache[ch.ID] = rec
		m.mu.Unlock()
		metrics.ObserveChallenge("solved", sol.SolveTime)
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return model.ChallengeRecord{}, eris.Wrapf(ctx.Err(), "challenge: waiting for %s", ch.ID)
	case res := <-resCh:
		if res.Err != nil {
			zap.L().Warn("challenge solve failed",
				zap.String("component", "challenge.mediator"),
				zap.String("account_id", accountID),
				zap.String("challenge_id", ch.ID),
				zap.String("challenge_type", string(ch.Type)),
				zap.Duration("duration", time.Since(start)),
				zap.Error(res.Err),
			)
			return model.ChallengeRecord{}, eris.Wrapf(model.ErrChallengeUnsolvable, "challenge %s: %v", ch.ID, res.Err)
		}
		return res.Val.(model.ChallengeRecord), nil
	}
}

// Lookup returns an unexpired cached record.
func (m *Mediator) Lookup(challengeID string) (model.ChallengeRecord, bool) {
	m.mu.RLock()
	rec, ok := m.cache[challengeID]
	m.mu.RUnlock()
	if !ok || rec.Expired(m.nowFunc()) {
		return model.ChallengeRecord{}, false
	}
	return rec, true
}

// expiry caps the cache lifetime at the challenge's own expiry.
func (m *Mediator) expiry(ch model.Challenge, now time.Time) time.Time {
	exp := now.Add(m.cfg.TTL)
	if ch.ExpiresAt != nil && ch.ExpiresAt.Before(exp) {
		exp = *ch.ExpiresAt
	}
	return exp
}

// MarkPending records a challenge the account must clear before its next
// unit of work.
func (m *Mediator) MarkPending(accountID string, ch model.Challenge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[accountID] = ch
}

// Pending returns the account's outstanding challenge, if any.
func (m *Mediator) Pending(accountID string) (model.Challenge, bool) {
	m.mu.RLock()
	ch, ok := m.pending[accountID]
	m.mu.RUnlock()
	if ok && ch.ExpiresAt != nil && !m.nowFunc().Before(*ch.ExpiresAt) {
		m.ClearPending(accountID)
		return model.Challenge{}, false
	}
	return ch, ok
}

// ClearPending forgets the account's outstanding challenge.
func (m *Mediator) ClearPending(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, accountID)
}

// ResolvePending solves the account's outstanding challenge, if any, and
// clears it on success. It returns nil when nothing was pending.
func (m *Mediator) ResolvePending(ctx context.Context, accountID string) (*model.ChallengeRecord, error) {
	ch, ok := m.Pending(accountID)
	if !ok {
		return nil, nil
	}
	rec, err := m.HandleChallenge(ctx, accountID, ch)
	if err != nil {
		return nil, err
	}
	m.ClearPending(accountID)
	return &rec, nil
}

// Prune evicts expired solutions and pending challenges. It returns the
// number of cached solutions removed.
func (m *Mediator) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.cache {
		if rec.Expired(now) {
			delete(m.cache, id)
			removed++
		}
	}
	for acct, ch := range m.pending {
		if ch.ExpiresAt != nil && !now.Before(*ch.ExpiresAt) {
			delete(m.pending, acct)
		}
	}
	return removed
}

// Len returns the number of cached solutions, expired or not.
func (m *Mediator) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

type ctxKey struct{}

// WithRecord attaches a solved challenge to ctx for the work function.
func WithRecord(ctx context.Context, rec model.ChallengeRecord) context.Context {
	return context.WithValue(ctx, ctxKey{}, rec)
}

// FromContext returns the solved challenge attached to ctx.
func FromContext(ctx context.Context) (model.ChallengeRecord, bool) {
	rec, ok := ctx.Value(ctxKey{}).(model.ChallengeRecord)
	return rec, ok
}
