package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-engine/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func recordJSON(t *testing.T, rec model.AccountRecord) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS accounts`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT record FROM accounts WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_InfrastructureError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT record FROM accounts WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnError(eris.New("connection refused"))

	_, err := s.Get(context.Background(), "acc-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrAccountNotFound))
	assert.Contains(t, err.Error(), "get account acc-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_Decodes(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.NewAccountRecord("acc-1", model.Credential{Token: "tok"}, time.Now().UTC())

	mock.ExpectQuery(`SELECT record FROM accounts WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(recordJSON(t, rec)))

	got, err := s.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.Credential.Token)
	assert.Equal(t, model.AccountStatusActive, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_ByStatusAndIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	a := model.NewAccountRecord("a", model.Credential{}, now)
	b := model.NewAccountRecord("b", model.Credential{}, now)

	mock.ExpectQuery(`SELECT record FROM accounts WHERE status = \$1 AND id = ANY\(\$2\) ORDER BY id`).
		WithArgs("active", []string{"b", "a"}).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).
			AddRow(recordJSON(t, a)).
			AddRow(recordJSON(t, b)))

	got, err := s.List(context.Background(), ListFilter{Status: model.AccountStatusActive, IDs: []string{"b", "a"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.NewAccountRecord("acc-1", model.Credential{}, time.Now().UTC())

	mock.ExpectExec(`INSERT INTO accounts .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("acc-1", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Upsert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_KeepsStoredCreatedAt(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.NewAccountRecord("acc-1", model.Credential{}, time.Now().UTC())
	rec.CreatedAt = time.Time{}

	mock.ExpectExec(`jsonb_set\(EXCLUDED.record, '\{created_at\}', COALESCE\(accounts.record->'created_at'`).
		WithArgs("acc-1", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.Upsert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_LocksRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.NewAccountRecord("acc-1", model.Credential{}, time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT record FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(recordJSON(t, rec)))
	mock.ExpectExec(`UPDATE accounts SET status = \$1, record = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("unavailable", pgxmock.AnyArg(), pgxmock.AnyArg(), "acc-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.SetStatus(context.Background(), "acc-1", model.AccountStatusUnavailable, &StatusMeta{Error: "refresh failed"})
	require.NoError(t, err)
	assert.Equal(t, model.AccountStatusUnavailable, got.Status)
	assert.Equal(t, []string{"refresh failed"}, got.Health.RecentErrors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_AbortRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := model.NewAccountRecord("acc-1", model.Credential{}, time.Now().UTC())
	abort := eris.New("stale")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT record FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(recordJSON(t, rec)))
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "acc-1", func(*model.AccountRecord) error { return abort })
	require.ErrorIs(t, err, abort)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "missing", func(*model.AccountRecord) error { return nil })
	assert.True(t, errors.Is(err, model.ErrAccountNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM accounts WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM accounts WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.Delete(context.Background(), "acc-1"))
	assert.True(t, errors.Is(s.Delete(context.Background(), "acc-1"), model.ErrAccountNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	recs := []model.AccountRecord{
		model.NewAccountRecord("a", model.Credential{}, now),
		model.NewAccountRecord("b", model.Credential{}, now),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_accounts"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_accounts"}, []string{"id", "status", "record", "created_at", "updated_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "accounts" .* ON CONFLICT \("id"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Import(context.Background(), s, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
