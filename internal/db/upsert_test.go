package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id", "record"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpsertConfig
		want string
	}{
		{"no table", UpsertConfig{Columns: []string{"id"}, ConflictKeys: []string{"id"}}, "no table"},
		{"no columns", UpsertConfig{Table: "accounts", ConflictKeys: []string{"id"}}, "no columns"},
		{"no keys", UpsertConfig{Table: "accounts", Columns: []string{"id"}}, "no conflict keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BulkUpsert(context.Background(), nil, tt.cfg, [][]any{{"a"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBulkUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_engine_accounts"}, []string{"id", "record"}).
		WillReturnError(eris.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "engine.accounts",
		Columns:      []string{"id", "record"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"a", "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy rows for engine.accounts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_Commits(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_accounts" \(LIKE "accounts" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_accounts"}, []string{"id", "record"}).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("id"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id", "record"},
		ConflictKeys: []string{"id"},
		SkipExisting: true,
	}, [][]any{{"a", "{}"}, {"b", "{}"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStatement(t *testing.T) {
	got := upsertStatement(UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id", "status", "record"},
		ConflictKeys: []string{"id"},
	}, "_stage_accounts")
	assert.Equal(t,
		`INSERT INTO "accounts" ("id", "status", "record") SELECT "id", "status", "record" FROM "_stage_accounts" ON CONFLICT ("id") DO UPDATE SET "status" = EXCLUDED."status", "record" = EXCLUDED."record"`,
		got,
	)

	onlyKeys := upsertStatement(UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}, "tmp")
	assert.Contains(t, onlyKeys, "DO NOTHING")

	chosen := upsertStatement(UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id", "status", "record"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"record"},
	}, "tmp")
	assert.Contains(t, chosen, `DO UPDATE SET "record" = EXCLUDED."record"`)
	assert.NotContains(t, chosen, `"status" = EXCLUDED`)
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"accounts"`, sanitizeTable("accounts"))
	assert.Equal(t, `"engine"."accounts"`, sanitizeTable("engine.accounts"))
}
