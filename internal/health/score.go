package health

import (
	"math"
	"time"

	"github.com/sells-group/account-engine/internal/model"
)

// Score weights. The success term dominates; the error term decays with
// the configured half-life.
const (
	successWeight = 0.7
	errorWeight   = 0.3
)

// Apply folds one action into rec's health and performance.
func Apply(rec *model.AccountRecord, act model.ActionRecord, cfg Config, now time.Time) {
	cfg = cfg.withDefaults()
	if act.Timestamp.IsZero() {
		act.Timestamp = now
	}
	h := &rec.Health

	if h.SuccessCount+h.FailureCount == 0 && h.SuccessEWMA == 0 {
		h.SuccessEWMA = 1
	}

	outcome := 0.0
	if act.Success {
		outcome = 1
		h.SuccessCount++
		h.ConsecutiveFailures = 0
	} else {
		h.FailureCount++
		h.ConsecutiveFailures++
		ts := act.Timestamp
		h.LastErrorAt = &ts
		h.AppendError(act.Error, cfg.RecentErrorLimit)
	}
	h.SuccessEWMA = cfg.Alpha*outcome + (1-cfg.Alpha)*h.SuccessEWMA

	n := float64(h.SuccessCount + h.FailureCount)
	h.AverageResponseTimeMs += (float64(act.ResponseTimeMs) - h.AverageResponseTimeMs) / n
	h.Score = Score(*h, cfg, now)

	used := act.Timestamp
	rec.Performance.SuccessRate = float64(h.SuccessCount) / n
	rec.Performance.AverageResponseTimeMs = h.AverageResponseTimeMs
	rec.Performance.LastUsedAt = &used

	rec.RecentActions = append(rec.RecentActions, act)
	if over := len(rec.RecentActions) - model.MaxRecentActions; over > 0 {
		rec.RecentActions = append([]model.ActionRecord(nil), rec.RecentActions[over:]...)
	}
}

// Score computes the health score at now, clamped to [0, 100].
func Score(h model.Health, cfg Config, now time.Time) float64 {
	cfg = cfg.withDefaults()
	ewma := h.SuccessEWMA
	if h.SuccessCount+h.FailureCount == 0 && ewma == 0 {
		ewma = 1
	}
	s := 100 * (successWeight*clamp(ewma, 0, 1) + errorWeight*(1-errorHeat(h.LastErrorAt, cfg.ErrorHalfLife, now)))
	return clamp(s, 0, 100)
}

// errorHeat is 1 right after an error and halves every halfLife.
func errorHeat(lastErr *time.Time, halfLife time.Duration, now time.Time) float64 {
	if lastErr == nil {
		return 0
	}
	dt := now.Sub(*lastErr)
	if dt < 0 {
		dt = 0
	}
	return math.Exp2(-float64(dt) / float64(halfLife))
}

// NeedsManualIntervention reports whether the account is stuck at the
// bottom of the scale and should be escalated to an operator.
func NeedsManualIntervention(h model.Health, cfg Config, now time.Time) bool {
	cfg = cfg.withDefaults()
	return Score(h, cfg, now) <= cfg.ManualInterventionScore &&
		h.ConsecutiveFailures >= cfg.ManualInterventionStreak
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
