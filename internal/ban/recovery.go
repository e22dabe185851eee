package ban

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

// Prober re-validates a banned account against the target.
type Prober interface {
	Revalidate(ctx context.Context, acct model.AccountRecord) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, acct model.AccountRecord) (bool, error)

// Revalidate calls f.
func (f ProberFunc) Revalidate(ctx context.Context, acct model.AccountRecord) (bool, error) {
	return f(ctx, acct)
}

// ErrRecoveryFailed is returned by Recover when re-validation does not pass.
var ErrRecoveryFailed = eris.New("ban: recovery failed")

var errBanChanged = eris.New("ban: ban changed during recovery")

// RecoveryConfig tunes recovery attempts.
type RecoveryConfig struct {
	// Timeout bounds a single probe. Default: 30s.
	Timeout time.Duration
	// Concurrency bounds probes within one cycle. Default: 4.
	Concurrency int
}

// CycleReport summarizes one recovery cycle.
type CycleReport struct {
	Due       int `json:"due"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Recovery re-activates banned accounts after a successful probe.
type Recovery struct {
	store   store.Store
	prober  Prober
	breaker *resilience.Breaker
	cfg     RecoveryConfig
	nowFunc func() time.Time
}

// NewRecovery creates a Recovery. breaker may be nil.
func NewRecovery(st store.Store, prober Prober, breaker *resilience.Breaker, cfg RecoveryConfig) *Recovery {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Recovery{
		store:   st,
		prober:  prober,
		breaker: breaker,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

type outcome int

const (
	outcomeRecovered outcome = iota
	outcomeFailed
	outcomeSkipped
)

// RunCycle probes every temporarily banned account whose window has elapsed.
// Failed probes leave the account banned for the next cycle. Only store
// errors are returned.
func (r *Recovery) RunCycle(ctx context.Context) (CycleReport, error) {
	log := zap.L().With(zap.String("component", "ban.recovery"))
	var report CycleReport

	recs, err := r.store.List(ctx, store.ListFilter{Status: model.AccountStatusTemporarilyBanned})
	if err != nil {
		return report, eris.Wrap(err, "ban: list temporary bans")
	}

	now := r.nowFunc()
	var due []model.AccountRecord
	for _, rec := range recs {
		if rec.BanInfo.Remaining(now) == 0 {
			due = append(due, rec)
		}
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, rec := range due {
		g.Go(func() error {
			out, _, err := r.attempt(gctx, rec, "scheduled")
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeRecovered:
				report.Recovered++
			case outcomeFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	err = g.Wait()

	log.Info("recovery cycle complete",
		zap.Int("due", report.Due),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, err
}

// Recover explicitly re-validates a banned account. It is the only way out
// of a permanent ban and refuses temporary bans still inside their window.
func (r *Recovery) Recover(ctx context.Context, id string) (*model.AccountRecord, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ban: recover %s", id)
	}

	switch rec.Status {
	case model.AccountStatusActive:
		return rec, nil
	case model.AccountStatusUnavailable:
		return nil, eris.Wrapf(model.ErrAccountUnavailable, "ban: %s is not banned, refresh its credential", id)
	case model.AccountStatusTemporarilyBanned:
		if left := rec.BanInfo.Remaining(r.nowFunc()); left > 0 {
			return nil, &model.TemporaryBanError{AccountID: id, Remaining: left}
		}
	}

	out, reason, err := r.attempt(ctx, *rec, "manual")
	if err != nil {
		return nil, err
	}
	switch out {
	case outcomeFailed:
		return nil, eris.Wrapf(ErrRecoveryFailed, "%s: %s", id, reason)
	case outcomeSkipped:
		return nil, eris.Wrapf(ErrRecoveryFailed, "%s: ban changed during recovery", id)
	}

	rec, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ban: reload %s", id)
	}
	return rec, nil
}

// attempt probes one account and activates it if the ban it probed is
// still the one in place.
func (r *Recovery) attempt(ctx context.Context, rec model.AccountRecord, trigger string) (outcome, string, error) {
	log := zap.L().With(
		zap.String("component", "ban.recovery"),
		zap.String("account_id", rec.ID),
		zap.String("trigger", trigger),
	)
	start := time.Now()

	ok, err := resilience.Guard(ctx, r.breaker, r.cfg.Timeout, func(ctx context.Context) (bool, error) {
		return r.prober.Revalidate(ctx, rec)
	})
	if err != nil || !ok {
		reason := "re-validation rejected"
		if err != nil {
			reason = err.Error()
		}
		log.Debug("recovery attempt failed",
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(start)),
		)
		metrics.ObserveRecovery(trigger, "failed")
		return outcomeFailed, reason, nil
	}

	_, err = r.store.Update(ctx, rec.ID, func(cur *model.AccountRecord) error {
		now := r.nowFunc()
		if cur.Status != rec.Status || !sameBan(cur.BanInfo, rec.BanInfo) {
			return errBanChanged
		}
		if cur.Status == model.AccountStatusTemporarilyBanned && cur.BanInfo.Remaining(now) > 0 {
			return errBanChanged
		}
		store.ApplyStatus(cur, model.AccountStatusActive, nil, now)
		cur.Health.ConsecutiveFailures = 0
		return nil
	})
	if eris.Is(err, errBanChanged) {
		log.Debug("ban changed during recovery, skipping")
		metrics.ObserveRecovery(trigger, "skipped")
		return outcomeSkipped, "ban changed", nil
	}
	if err != nil {
		log.Error("recovery update failed", zap.Error(err))
		return outcomeFailed, "", eris.Wrapf(err, "ban: activate %s", rec.ID)
	}

	log.Info("account recovered", zap.Duration("duration", time.Since(start)))
	metrics.ObserveRecovery(trigger, "recovered")
	return outcomeRecovered, "", nil
}

func sameBan(a, b *model.BanInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DetectedAt.Equal(b.DetectedAt) && len(a.Events) == len(b.Events)
}
