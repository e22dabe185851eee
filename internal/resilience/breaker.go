// Package resilience guards calls to external collaborators (challenge solver,
// credential refresh, ban re-validation) with circuit breakers, timeouts and
// retries.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned when a call is rejected by an open breaker.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before letting a probe
	// through. Default: 30s.
	Cooldown time.Duration

	// Counts decides which errors count as collaborator failures. Nil counts
	// every non-nil error except context cancellation by the caller.
	Counts func(err error) bool
}

// DefaultBreakerConfig returns the defaults used for every collaborator.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker for one collaborator.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	nowFunc func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   BreakerClosed,
		nowFunc: time.Now,
	}
}

// Name returns the collaborator name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, reporting half-open once the cooldown
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// CallVal is Call for functions returning a value.
func CallVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(ctx, err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moveTo(BreakerClosed)
	b.failures = 0
	b.probing = false
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.nowFunc().Sub(b.openedAt) < b.cfg.Cooldown {
			return eris.Wrapf(ErrBreakerOpen, "resilience: %s", b.name)
		}
		b.moveTo(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		// One probe at a time.
		if b.probing {
			return eris.Wrapf(ErrBreakerOpen, "resilience: %s probe in flight", b.name)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == BreakerHalfOpen
	b.probing = false

	if !b.counts(ctx, err) {
		if err == nil {
			b.failures = 0
			if wasProbe {
				b.moveTo(BreakerClosed)
			}
		} else if wasProbe {
			// Inconclusive probe; allow another.
			b.moveTo(BreakerHalfOpen)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.nowFunc()
		b.moveTo(BreakerOpen)
	}
}

func (b *Breaker) counts(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.Counts != nil {
		return b.cfg.Counts(err)
	}
	// The caller giving up is not the collaborator's fault.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return false
	}
	return true
}

func (b *Breaker) moveTo(to BreakerState) {
	if b.state == to {
		return
	}
	zap.L().Info("resilience: breaker state change",
		zap.String("collaborator", b.name),
		zap.String("from", string(b.state)),
		zap.String("to", string(to)),
		zap.Int("consecutive_failures", b.failures),
	)
	b.state = to
}

// Breakers is a registry of breakers keyed by collaborator name.
type Breakers struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakers creates an empty registry sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for name, creating it on first use.
func (r *Breakers) For(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Breakers) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
