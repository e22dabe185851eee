package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-engine/internal/health"
	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/store"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func seedPool(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	put := func(rec model.AccountRecord) {
		require.NoError(t, st.Upsert(ctx, rec))
	}

	put(model.NewAccountRecord("active-1", model.Credential{}, now))

	struggling := model.NewAccountRecord("active-2", model.Credential{}, now)
	struggling.Health.Score = 5
	struggling.Health.SuccessEWMA = 0
	struggling.Health.ConsecutiveFailures = 7
	struggling.Health.FailureCount = 7
	struggling.Health.LastErrorAt = at(-time.Second)
	put(struggling)

	soon := model.NewAccountRecord("temp-soon", model.Credential{}, now)
	soon.Status = model.AccountStatusTemporarilyBanned
	soon.BanInfo = &model.BanInfo{Reason: "Rate limit exceeded", DetectedAt: now.Add(-10 * time.Minute), BannedUntil: at(5 * time.Minute)}
	put(soon)

	later := model.NewAccountRecord("temp-later", model.Credential{}, now)
	later.Status = model.AccountStatusTemporarilyBanned
	later.BanInfo = &model.BanInfo{
		Reason:      "unusual traffic",
		DetectedAt:  now.Add(-30 * time.Minute),
		BannedUntil: at(2 * time.Hour),
		Events: []model.BanEvent{
			{Reason: "rate limit", DetectedAt: now.Add(-50 * time.Minute)},
			{Reason: "unusual traffic", DetectedAt: now.Add(-30 * time.Minute)},
		},
	}
	put(later)

	perm := model.NewAccountRecord("banned-old", model.Credential{}, now)
	perm.Status = model.AccountStatusBanned
	perm.BanInfo = &model.BanInfo{Reason: "account suspended", DetectedAt: now.Add(-48 * time.Hour)}
	perm.BanHistory = []model.BanEvent{{Reason: "rate limit", DetectedAt: now.Add(-20 * time.Minute), LiftedAt: at(-10 * time.Minute)}}
	put(perm)

	unavailable := model.NewAccountRecord("unavailable-1", model.Credential{}, now)
	unavailable.Status = model.AccountStatusUnavailable
	put(unavailable)

	return st
}

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(seedPool(t), health.DefaultConfig(), 10*time.Minute)
	c.nowFunc = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.Total)
	assert.Equal(t, map[string]int{
		"active":             2,
		"temporarily_banned": 2,
		"banned":             1,
		"unavailable":        1,
	}, snap.ByStatus)
	assert.InDelta(t, 2.0/6.0, snap.ActiveFraction, 1e-9)
	assert.Equal(t, []string{"active-2"}, snap.ManualIntervention)

	require.Len(t, snap.ExpiringSoon, 1)
	assert.Equal(t, "temp-soon", snap.ExpiringSoon[0].AccountID)

	// temp-soon (1), temp-later (2 events), banned-old (1 lifted, current is old).
	assert.Equal(t, 4, snap.RecentBans)
	assert.Equal(t, []string{"banned-old", "temp-later", "temp-soon"}, snap.RecentlyBanned)
	assert.Equal(t, 1, snap.LookbackHours)
	assert.True(t, now.Equal(snap.CollectedAt))
}

func TestCollector_EmptyPool(t *testing.T) {
	c := NewCollector(store.NewMemory(), health.DefaultConfig(), 0)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Total)
	assert.Zero(t, snap.ActiveFraction)
	assert.Empty(t, snap.ManualIntervention)
}

type erroringStore struct {
	*store.MemoryStore
}

func (erroringStore) List(context.Context, store.ListFilter) ([]model.AccountRecord, error) {
	return nil, errors.New("db down")
}

func TestCollector_StoreError(t *testing.T) {
	c := NewCollector(erroringStore{store.NewMemory()}, health.DefaultConfig(), 0)

	_, err := c.Collect(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRecentBans(t *testing.T) {
	cutoff := now.Add(-time.Hour)

	rec := model.AccountRecord{BanInfo: &model.BanInfo{DetectedAt: now}}
	assert.Equal(t, 1, recentBans(rec, cutoff))

	rec = model.AccountRecord{BanHistory: []model.BanEvent{{DetectedAt: now.Add(-2 * time.Hour)}}}
	assert.Equal(t, 0, recentBans(rec, cutoff))
}
