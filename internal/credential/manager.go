// Package credential keeps account session credentials fresh.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/resilience"
	"github.com/sells-group/account-engine/internal/store"
)

// Refresher re-issues an account's credential.
type Refresher interface {
	Refresh(ctx context.Context, acct model.AccountRecord) (model.Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, acct model.AccountRecord) (model.Credential, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, acct model.AccountRecord) (model.Credential, error) {
	return f(ctx, acct)
}

// Config tunes the manager.
type Config struct {
	// Lookahead is how close to expiry a credential is refreshed
	// proactively. Default: 1h.
	Lookahead time.Duration
	// Timeout bounds a single refresh attempt. Default: 30s.
	Timeout time.Duration
	// Concurrency bounds proactive refreshes. Default: 4.
	Concurrency int
	// Backoff retries transient refresh errors.
	Backoff resilience.Backoff
}

// Report summarizes a proactive refresh sweep.
type Report struct {
	Scanned   int      `json:"scanned"`
	Refreshed int      `json:"refreshed"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Manager refreshes credentials and moves accounts in and out of
// unavailable accordingly.
type Manager struct {
	store     store.Store
	refresher Refresher
	breaker   *resilience.Breaker
	cfg       Config
	nowFunc   func() time.Time
}

// NewManager creates a Manager. breaker may be nil.
func NewManager(st store.Store, refresher Refresher, breaker *resilience.Breaker, cfg Config) *Manager {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Backoff.Attempts == 0 {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	if cfg.Backoff.OnRetry == nil {
		cfg.Backoff.OnRetry = resilience.LogRetries("identity", "refresh")
	}
	return &Manager{
		store:     st,
		refresher: refresher,
		breaker:   breaker,
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// NeedsRefresh reports whether acct's credential has expired at now.
// Credentials with no expiry never need a refresh on their own.
func (m *Manager) NeedsRefresh(acct model.AccountRecord) bool {
	return acct.Credential.Expired(m.nowFunc())
}

// RefreshCookies re-issues the account's credential. On success the
// credential is replaced and an unavailable account becomes active. On
// failure the account becomes unavailable unless it is banned, and the
// returned error wraps model.ErrCredentialRefreshFailed. Store errors are
// returned unwrapped by that sentinel.
func (m *Manager) RefreshCookies(ctx context.Context, id string) (*model.AccountRecord, error) {
	return m.refresh(ctx, id, "on_demand")
}

func (m *Manager) refresh(ctx context.Context, id, trigger string) (*model.AccountRecord, error) {
	log := zap.L().With(
		zap.String("component", "credential.manager"),
		zap.String("account_id", id),
		zap.String("trigger", trigger),
	)

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "credential: load %s", id)
	}

	start := time.Now()
	cred, refreshErr := resilience.Retry(ctx, m.cfg.Backoff, func(ctx context.Context) (model.Credential, error) {
		return resilience.Guard(ctx, m.breaker, m.cfg.Timeout, func(ctx context.Context) (model.Credential, error) {
			return m.refresher.Refresh(ctx, *rec)
		})
	})

	now := m.nowFunc()
	if refreshErr != nil {
		msg := "credential refresh failed: " + refreshErr.Error()
		updated, err := m.store.Update(ctx, id, func(cur *model.AccountRecord) error {
			if !cur.Status.IsBanned() {
				cur.Status = model.AccountStatusUnavailable
			}
			cur.Health.AppendError(msg, model.MaxRecentErrors)
			return nil
		})
		if err != nil {
			log.Error("failed to record refresh failure", zap.Error(err))
			return nil, eris.Wrapf(err, "credential: record failure for %s", id)
		}
		log.Warn("credential refresh failed",
			zap.Error(refreshErr),
			zap.String("status", string(updated.Status)),
			zap.Duration("duration", time.Since(start)),
		)
		metrics.ObserveCredentialRefresh(trigger, false)
		return updated, eris.Wrapf(model.ErrCredentialRefreshFailed, "%s: %v", id, refreshErr)
	}

	updated, err := m.store.Update(ctx, id, func(cur *model.AccountRecord) error {
		refreshed := now
		cred.RefreshedAt = &refreshed
		cur.Credential = cred
		if cur.Status == model.AccountStatusUnavailable {
			cur.Status = model.AccountStatusActive
		}
		return nil
	})
	if err != nil {
		log.Error("failed to store refreshed credential", zap.Error(err))
		return nil, eris.Wrapf(err, "credential: store refreshed credential for %s", id)
	}

	fields := []zap.Field{
		zap.String("status", string(updated.Status)),
		zap.Duration("duration", time.Since(start)),
	}
	if cred.ExpiresAt != nil {
		fields = append(fields, zap.Time("expires_at", *cred.ExpiresAt))
	}
	log.Info("credential refreshed", fields...)
	metrics.ObserveCredentialRefresh(trigger, true)
	return updated, nil
}

// ProactiveRefresh refreshes every active account whose credential expires
// within the look-ahead window. Individual refresh failures are counted in
// the report; only store errors are returned.
func (m *Manager) ProactiveRefresh(ctx context.Context) (Report, error) {
	log := zap.L().With(zap.String("component", "credential.manager"))
	var report Report

	recs, err := m.store.List(ctx, store.ListFilter{Status: model.AccountStatusActive})
	if err != nil {
		return report, eris.Wrap(err, "credential: list active accounts")
	}
	report.Scanned = len(recs)

	now := m.nowFunc()
	var due []string
	for _, rec := range recs {
		if rec.Credential.ExpiresWithin(now, m.cfg.Lookahead) {
			due = append(due, rec.ID)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range due {
		g.Go(func() error {
			_, err := m.refresh(gctx, id, "proactive")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Refreshed++
			case eris.Is(err, model.ErrCredentialRefreshFailed):
				report.Failed++
				report.FailedIDs = append(report.FailedIDs, id)
			case eris.Is(err, model.ErrAccountNotFound):
				// removed since the scan
			default:
				return err
			}
			return nil
		})
	}
	err = g.Wait()

	log.Info("proactive refresh complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("due", len(due)),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed),
	)
	return report, err
}
