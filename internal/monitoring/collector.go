package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/account-engine/internal/health"
	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

// ExpiringBan is a temporary ban that ends inside the expiry window.
type ExpiringBan struct {
	AccountID   string    `json:"account_id"`
	Reason      string    `json:"reason"`
	BannedUntil time.Time `json:"banned_until"`
}

// PoolSnapshot holds a point-in-time view of the account pool.
type PoolSnapshot struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ActiveFraction float64        `json:"active_fraction"`

	// Accounts whose health calls for an operator.
	ManualIntervention []string `json:"manual_intervention,omitempty"`

	ExpiringSoon []ExpiringBan `json:"expiring_soon,omitempty"`

	// Ban transitions detected inside the lookback window.
	RecentBans     int      `json:"recent_bans"`
	RecentlyBanned []string `json:"recently_banned,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers pool statistics from the account store.
type Collector struct {
	store          store.Store
	health         health.Config
	expiringWithin time.Duration
	nowFunc        func() time.Time
}

// NewCollector creates a pool collector. expiringWithin bounds which
// temporary bans count as expiring soon; zero means 10 minutes.
func NewCollector(st store.Store, healthCfg health.Config, expiringWithin time.Duration) *Collector {
	if expiringWithin <= 0 {
		expiringWithin = 10 * time.Minute
	}
	return &Collector{
		store:          st,
		health:         healthCfg,
		expiringWithin: expiringWithin,
		nowFunc:        time.Now,
	}
}

var statuses = []model.AccountStatus{
	model.AccountStatusActive,
	model.AccountStatusTemporarilyBanned,
	model.AccountStatusBanned,
	model.AccountStatusUnavailable,
}

// Collect gathers a snapshot over the given lookback window and publishes
// the per-status counts to the accounts gauge.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*PoolSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &PoolSnapshot{
		ByStatus:      make(map[string]int, len(statuses)),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, status := range statuses {
		g.Go(func() error {
			recs, err := c.store.List(gctx, store.ListFilter{Status: status})
			if err != nil {
				return eris.Wrapf(err, "monitoring: list %s accounts", status)
			}
			mu.Lock()
			defer mu.Unlock()
			c.tally(snap, status, recs, cutoff, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if snap.Total > 0 {
		snap.ActiveFraction = float64(snap.ByStatus[string(model.AccountStatusActive)]) / float64(snap.Total)
	}
	sort.Strings(snap.ManualIntervention)
	sort.Strings(snap.RecentlyBanned)
	sort.Slice(snap.ExpiringSoon, func(i, j int) bool {
		return snap.ExpiringSoon[i].BannedUntil.Before(snap.ExpiringSoon[j].BannedUntil)
	})

	metrics.SetAccountsByStatus(snap.ByStatus)
	return snap, nil
}

func (c *Collector) tally(snap *PoolSnapshot, status model.AccountStatus, recs []model.AccountRecord, cutoff, now time.Time) {
	snap.ByStatus[string(status)] = len(recs)
	snap.Total += len(recs)

	for _, rec := range recs {
		if health.NeedsManualIntervention(rec.Health, c.health, now) {
			snap.ManualIntervention = append(snap.ManualIntervention, rec.ID)
		}

		if b := rec.BanInfo; status == model.AccountStatusTemporarilyBanned && b != nil && b.BannedUntil != nil {
			if b.BannedUntil.Sub(now) <= c.expiringWithin {
				snap.ExpiringSoon = append(snap.ExpiringSoon, ExpiringBan{
					AccountID:   rec.ID,
					Reason:      b.Reason,
					BannedUntil: *b.BannedUntil,
				})
			}
		}

		if n := recentBans(rec, cutoff); n > 0 {
			snap.RecentBans += n
			snap.RecentlyBanned = append(snap.RecentlyBanned, rec.ID)
		}
	}
}

// recentBans counts ban transitions at or after cutoff, current and lifted.
func recentBans(rec model.AccountRecord, cutoff time.Time) int {
	n := 0
	for _, e := range rec.BanHistory {
		if !e.DetectedAt.Before(cutoff) {
			n++
		}
	}
	if b := rec.BanInfo; b != nil {
		if len(b.Events) == 0 {
			if !b.DetectedAt.Before(cutoff) {
				n++
			}
			return n
		}
		for _, e := range b.Events {
			if !e.DetectedAt.Before(cutoff) {
				n++
			}
		}
	}
	return n
}
