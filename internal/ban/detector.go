// Package ban applies ban transitions to accounts and brings temporarily
// banned accounts back once their window has elapsed.
package ban

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

// Signal is a ban observed for an account. A zero Duration is permanent.
type Signal struct {
	Reason   string
	Duration time.Duration
	Metrics  *model.BanMetrics
}

// Temporary reports whether the ban has a known expiry.
func (s Signal) Temporary() bool { return s.Duration > 0 }

// SignalFrom converts a work-reported ban into a Signal.
func SignalFrom(bs *model.BanSignal) Signal {
	if bs == nil {
		return Signal{Reason: "unknown"}
	}
	return Signal{Reason: bs.Reason, Duration: bs.Duration, Metrics: bs.Metrics}
}

// Detector records ban transitions in the store.
type Detector struct {
	store   store.Store
	nowFunc func() time.Time
}

// NewDetector creates a Detector backed by st.
func NewDetector(st store.Store) *Detector {
	return &Detector{store: st, nowFunc: time.Now}
}

// MarkBanned applies sig to the account in a single atomic update. Extra
// mutators run first, so an action recorded by the caller is part of the
// ban's last actions.
func (d *Detector) MarkBanned(ctx context.Context, id string, sig Signal, extra ...store.Mutator) (*model.AccountRecord, error) {
	now := d.nowFunc()
	var ev model.BanEvent
	rec, err := d.store.Update(ctx, id, func(rec *model.AccountRecord) error {
		for _, fn := range extra {
			if err := fn(rec); err != nil {
				return err
			}
		}
		ev = Apply(rec, sig, now)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ban: mark %s banned", id)
	}

	fields := []zap.Field{
		zap.String("component", "ban.detector"),
		zap.String("account_id", id),
		zap.String("reason", sig.Reason),
		zap.Duration("ban_duration", sig.Duration),
		zap.String("status", string(rec.Status)),
		zap.Strings("last_actions", ev.LastActions),
	}
	if rec.BanInfo != nil && rec.BanInfo.BannedUntil != nil {
		fields = append(fields, zap.Time("banned_until", *rec.BanInfo.BannedUntil))
	}
	zap.L().Warn("account banned", fields...)
	metrics.ObserveBan(sig.Temporary())

	return rec, nil
}

// Apply folds sig into rec and returns the event it appended. A permanent
// ban is never downgraded and repeated temporary bans keep the later expiry.
func Apply(rec *model.AccountRecord, sig Signal, now time.Time) model.BanEvent {
	ev := model.BanEvent{
		ID:          uuid.NewString(),
		Reason:      sig.Reason,
		DetectedAt:  now,
		LastActions: rec.LastActionSummaries(),
		Metrics:     sig.Metrics,
	}
	if sig.Temporary() {
		until := now.Add(sig.Duration)
		ev.BannedUntil = &until
	}

	switch {
	case rec.Status == model.AccountStatusBanned && sig.Temporary():
		if rec.BanInfo == nil {
			rec.BanInfo = &model.BanInfo{Reason: sig.Reason, DetectedAt: now}
		}
		rec.BanInfo.Events = append(rec.BanInfo.Events, ev)

	case rec.Status == model.AccountStatusTemporarilyBanned && sig.Temporary() && rec.BanInfo != nil:
		bi := rec.BanInfo
		if bi.BannedUntil == nil || ev.BannedUntil.After(*bi.BannedUntil) {
			bi.BannedUntil = ev.BannedUntil
		}
		bi.Reason = sig.Reason
		bi.LastActions = ev.LastActions
		if sig.Metrics != nil {
			bi.Metrics = sig.Metrics
		}
		bi.Events = append(bi.Events, ev)

	default:
		var events []model.BanEvent
		if rec.BanInfo != nil {
			events = rec.BanInfo.Events
		}
		rec.BanInfo = &model.BanInfo{
			Reason:      sig.Reason,
			DetectedAt:  now,
			BannedUntil: ev.BannedUntil,
			LastActions: ev.LastActions,
			Metrics:     sig.Metrics,
			Events:      append(events, ev),
		}
		if sig.Temporary() {
			rec.Status = model.AccountStatusTemporarilyBanned
		} else {
			rec.Status = model.AccountStatusBanned
		}
	}
	return ev
}
