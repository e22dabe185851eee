package credential

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-engine/internal/model"
	"github.com/sells-group/account-engine/internal/resilience"
	"github.com/sells-group/account-engine/internal/store"
	"github.com/sells-group/account-engine/pkg/identity"
	"github.com/sells-group/account-engine/pkg/identity/mocks"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func newStore(t *testing.T, recs ...model.AccountRecord) *store.MemoryStore {
	t.Helper()
	st := store.NewMemory()
	for _, r := range recs {
		require.NoError(t, st.Upsert(context.Background(), r))
	}
	return st
}

func account(id string, expiresAt *time.Time) model.AccountRecord {
	return model.NewAccountRecord(id, model.Credential{Token: "old-" + id, ExpiresAt: expiresAt}, base)
}

func fastConfig() Config {
	return Config{
		Timeout: time.Second,
		Backoff: resilience.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func newManager(st store.Store, r Refresher) *Manager {
	m := NewManager(st, r, nil, fastConfig())
	m.nowFunc = func() time.Time { return base }
	return m
}

func TestRefreshCookies_Success(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, account("acc-1", at(-time.Minute)))
	m := newManager(st, RefresherFunc(func(_ context.Context, acct model.AccountRecord) (model.Credential, error) {
		assert.Equal(t, "old-acc-1", acct.Credential.Token)
		return model.Credential{Token: "new", ExpiresAt: at(24 * time.Hour)}, nil
	}))

	rec, err := m.RefreshCookies(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Credential.Token)
	assert.True(t, base.Add(24*time.Hour).Equal(*rec.Credential.ExpiresAt))
	require.NotNil(t, rec.Credential.RefreshedAt)
	assert.True(t, base.Equal(*rec.Credential.RefreshedAt))
	assert.Equal(t, model.AccountStatusActive, rec.Status)
}

func TestRefreshCookies_FailureMarksUnavailable(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, account("acc-1", nil))
	m := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		return model.Credential{}, errors.New("session revoked")
	}))

	rec, err := m.RefreshCookies(ctx, "acc-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCredentialRefreshFailed))
	require.NotNil(t, rec)
	assert.Equal(t, model.AccountStatusUnavailable, rec.Status)

	stored, err := st.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusUnavailable, stored.Status)
	require.Len(t, stored.Health.RecentErrors, 1)
	assert.Contains(t, stored.Health.RecentErrors[0], "session revoked")
	assert.Equal(t, "old-acc-1", stored.Credential.Token)
}

func TestRefreshCookies_RestoresUnavailable(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, account("acc-1", nil))
	_, err := st.SetStatus(ctx, "acc-1", model.AccountStatusUnavailable, nil)
	require.NoError(t, err)

	m := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		return model.Credential{Token: "new"}, nil
	}))

	rec, err := m.RefreshCookies(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusActive, rec.Status)
}

func TestRefreshCookies_NeverTouchesBanState(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, account("acc-1", nil), account("acc-2", nil))
	_, err := st.SetStatus(ctx, "acc-1", model.AccountStatusBanned, &store.StatusMeta{BanInfo: &model.BanInfo{Reason: "suspended", DetectedAt: base}})
	require.NoError(t, err)
	_, err = st.SetStatus(ctx, "acc-2", model.AccountStatusBanned, &store.StatusMeta{BanInfo: &model.BanInfo{Reason: "suspended", DetectedAt: base}})
	require.NoError(t, err)

	ok := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		return model.Credential{Token: "new"}, nil
	}))
	rec, err := ok.RefreshCookies(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusBanned, rec.Status)
	assert.Equal(t, "new", rec.Credential.Token)

	failing := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		return model.Credential{}, errors.New("nope")
	}))
	rec, err = failing.RefreshCookies(ctx, "acc-2")
	require.Error(t, err)
	assert.Equal(t, model.AccountStatusBanned, rec.Status)
}

func TestRefreshCookies_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	st := newStore(t, account("acc-1", nil))
	m := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		if calls.Add(1) < 3 {
			return model.Credential{}, resilience.Transient(errors.New("busy"), 503)
		}
		return model.Credential{Token: "new"}, nil
	}))

	rec, err := m.RefreshCookies(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Credential.Token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefreshCookies_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	st := newStore(t, account("acc-1", nil))
	m := newManager(st, RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		calls.Add(1)
		return model.Credential{}, errors.New("invalid session")
	}))

	_, err := m.RefreshCookies(context.Background(), "acc-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshCookies_NotFound(t *testing.T) {
	m := newManager(store.NewMemory(), RefresherFunc(func(context.Context, model.AccountRecord) (model.Credential, error) {
		t.Fatal("refresher should not be called")
		return model.Credential{}, nil
	}))

	_, err := m.RefreshCookies(context.Background(), "ghost")
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
	assert.False(t, errors.Is(err, model.ErrCredentialRefreshFailed))
}

func TestNeedsRefresh(t *testing.T) {
	m := newManager(store.NewMemory(), nil)

	assert.True(t, m.NeedsRefresh(account("a", at(-time.Second))))
	assert.True(t, m.NeedsRefresh(account("a", at(0))))
	assert.False(t, m.NeedsRefresh(account("a", at(time.Minute))))
	assert.False(t, m.NeedsRefresh(account("a", nil)))
}

func TestProactiveRefresh(t *testing.T) {
	ctx := context.Background()
	banned := account("acc-banned", at(time.Minute))
	banned.Status = model.AccountStatusTemporarilyBanned
	banned.BanInfo = &model.BanInfo{Reason: "429", DetectedAt: base, BannedUntil: at(time.Hour)}

	st := newStore(t,
		account("acc-soon", at(30*time.Minute)),
		account("acc-expired", at(-time.Minute)),
		account("acc-later", at(3*time.Hour)),
		account("acc-unknown", nil),
		account("acc-fails", at(10*time.Minute)),
		banned,
	)

	var mu atomic.Int32
	m := newManager(st, RefresherFunc(func(_ context.Context, acct model.AccountRecord) (model.Credential, error) {
		mu.Add(1)
		if acct.ID == "acc-fails" {
			return model.Credential{}, errors.New("revoked")
		}
		return model.Credential{Token: "fresh", ExpiresAt: at(24 * time.Hour)}, nil
	}))

	report, err := m.ProactiveRefresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 2, report.Refreshed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"acc-fails"}, report.FailedIDs)
	assert.Equal(t, int32(3), mu.Load())

	for _, id := range []string{"acc-soon", "acc-expired"} {
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "fresh", rec.Credential.Token, id)
	}
	for _, id := range []string{"acc-later", "acc-unknown"} {
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "old-"+id, rec.Credential.Token, id)
	}

	failed, err := st.Get(ctx, "acc-fails")
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusUnavailable, failed.Status)

	active, err := st.List(ctx, store.ListFilter{Status: model.AccountStatusActive})
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"acc-expired", "acc-later", "acc-soon", "acc-unknown"}, ids)
}

func TestIdentityRefresher(t *testing.T) {
	exp := base.Add(time.Hour)
	client := mocks.NewMockClient(t)
	client.On("Refresh", mock.Anything, identity.RefreshRequest{AccountID: "acc-1", Token: "old"}).
		Return(&identity.RefreshResponse{Token: "new", Cookies: map[string]string{"sid": "1"}, ExpiresAt: &exp}, nil).Once()
	client.On("Refresh", mock.Anything, identity.RefreshRequest{AccountID: "acc-2"}).
		Return(&identity.RefreshResponse{}, nil).Once()

	r := NewIdentityRefresher(client)

	cred, err := r.Refresh(context.Background(), model.AccountRecord{ID: "acc-1", Credential: model.Credential{Token: "old"}})
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Token)
	assert.Equal(t, "1", cred.Cookies["sid"])
	assert.True(t, exp.Equal(*cred.ExpiresAt))

	_, err = r.Refresh(context.Background(), model.AccountRecord{ID: "acc-2"})
	assert.Error(t, err)
}
