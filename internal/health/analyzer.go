// Package health scores account reliability and derives operating
// strategies from ban causes.
package health

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

// Config tunes scoring and strategy.
type Config struct {
	RecentErrorLimit         int
	Alpha                    float64
	ErrorHalfLife            time.Duration
	ManualInterventionScore  float64
	ManualInterventionStreak int
	BaselineRequestsPerHour  int
	BaselineDelay            time.Duration
}

// DefaultConfig returns the default analyzer settings.
func DefaultConfig() Config {
	return Config{
		RecentErrorLimit:         model.MaxRecentErrors,
		Alpha:                    0.2,
		ErrorHalfLife:            15 * time.Minute,
		ManualInterventionScore:  10,
		ManualInterventionStreak: 5,
		BaselineRequestsPerHour:  120,
		BaselineDelay:            2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecentErrorLimit <= 0 {
		c.RecentErrorLimit = d.RecentErrorLimit
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.ErrorHalfLife <= 0 {
		c.ErrorHalfLife = d.ErrorHalfLife
	}
	if c.ManualInterventionScore <= 0 {
		c.ManualInterventionScore = d.ManualInterventionScore
	}
	if c.ManualInterventionStreak <= 0 {
		c.ManualInterventionStreak = d.ManualInterventionStreak
	}
	if c.BaselineRequestsPerHour <= 0 {
		c.BaselineRequestsPerHour = d.BaselineRequestsPerHour
	}
	if c.BaselineDelay <= 0 {
		c.BaselineDelay = d.BaselineDelay
	}
	return c
}

// Analyzer records outcomes against the store.
type Analyzer struct {
	store   store.Store
	cfg     Config
	nowFunc func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(st store.Store, cfg Config) *Analyzer {
	return &Analyzer{store: st, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// Config returns the effective settings.
func (a *Analyzer) Config() Config { return a.cfg }

// RecordAccountAction folds act into the account's health atomically.
func (a *Analyzer) RecordAccountAction(ctx context.Context, id string, act model.ActionRecord) (*model.AccountRecord, error) {
	rec, err := a.store.Update(ctx, id, a.Mutator(act))
	if err != nil {
		return nil, eris.Wrapf(err, "health: record action for %s", id)
	}
	return rec, nil
}

// Mutator returns the store mutation that records act, for callers that
// combine it with other changes in one update.
func (a *Analyzer) Mutator(act model.ActionRecord) store.Mutator {
	return func(rec *model.AccountRecord) error {
		Apply(rec, act, a.cfg, a.nowFunc())
		return nil
	}
}

// Snapshot builds the health view of rec at the analyzer's clock.
func (a *Analyzer) Snapshot(rec model.AccountRecord) model.HealthSnapshot {
	now := a.nowFunc()
	snap := model.HealthSnapshot{
		AccountID:               rec.ID,
		Status:                  rec.Status,
		Score:                   Score(rec.Health, a.cfg, now),
		SuccessCount:            rec.Health.SuccessCount,
		FailureCount:            rec.Health.FailureCount,
		SuccessRate:             rec.Performance.SuccessRate,
		AverageResponseTimeMs:   rec.Health.AverageResponseTimeMs,
		ConsecutiveFailures:     rec.Health.ConsecutiveFailures,
		RecentErrors:            append([]string(nil), rec.Health.RecentErrors...),
		NeedsManualIntervention: NeedsManualIntervention(rec.Health, a.cfg, now),
	}
	if rec.Performance.LastUsedAt != nil {
		t := *rec.Performance.LastUsedAt
		snap.LastUsedAt = &t
	}
	return snap
}

// GetAccountHealthMetrics loads the account and returns its health view.
func (a *Analyzer) GetAccountHealthMetrics(ctx context.Context, id string) (model.HealthSnapshot, error) {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrapf(err, "health: load %s", id)
	}
	return a.Snapshot(*rec), nil
}

// AnalyzeAndAdjustStrategy loads the account and recommends an operating
// policy for it.
func (a *Analyzer) AnalyzeAndAdjustStrategy(ctx context.Context, id string) (model.StrategyRecommendation, error) {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return model.StrategyRecommendation{}, eris.Wrapf(err, "health: load %s", id)
	}
	return Recommend(*rec, a.cfg, a.nowFunc()), nil
}
