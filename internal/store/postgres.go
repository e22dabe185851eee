package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/account-engine/internal/db"
	"github.com/sells-group/account-engine/internal/model"
)

// PostgresStore implements Store using pgxpool. Update locks the row with
// SELECT ... FOR UPDATE so the read-modify-write is atomic across processes.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_account":        `SELECT record FROM accounts WHERE id = $1`,
	"lock_account":       `SELECT record FROM accounts WHERE id = $1 FOR UPDATE`,
	"update_account":     `UPDATE accounts SET status = $1, record = $2, updated_at = $3 WHERE id = $4`,
	"delete_account":     `DELETE FROM accounts WHERE id = $1`,
	"list_by_status":     `SELECT record FROM accounts WHERE status = $1 ORDER BY id`,
	"upsert_account_row": upsertAccountSQL,
}

// $6 keeps the stored creation time for a caller that did not set one.
const upsertAccountSQL = `INSERT INTO accounts (id, status, record, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
	record = CASE WHEN $6::boolean
		THEN jsonb_set(EXCLUDED.record, '{created_at}', COALESCE(accounts.record->'created_at', EXCLUDED.record->'created_at'))
		ELSE EXCLUDED.record END,
	updated_at = EXCLUDED.updated_at`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresFromPool(pool), nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'active',
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.AccountRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM accounts WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %s", id)
	}
	return decodeRecord(data)
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.AccountRecord, error) {
	query := `SELECT record FROM accounts`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list accounts")
	}
	defer rows.Close()

	var out []model.AccountRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate accounts")
	}

	if len(filter.IDs) > 0 {
		out = orderByIDs(out, filter.IDs)
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec model.AccountRecord) error {
	row, err := s.accountRow(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertAccountSQL, append(row, rec.CreatedAt.IsZero())...)
	return eris.Wrapf(err, "postgres: upsert account %s", rec.ID)
}

// InsertMissing registers records in one COPY-backed bulk write. Ids that
// already exist are left untouched.
func (s *PostgresStore) InsertMissing(ctx context.Context, recs []model.AccountRecord) (int64, error) {
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		row, err := s.accountRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "accounts",
		Columns:      []string{"id", "status", "record", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		SkipExisting: true,
	}, rows)
	return n, eris.Wrap(err, "postgres: bulk insert accounts")
}

func (s *PostgresStore) accountRow(rec model.AccountRecord) ([]any, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	now := s.nowFunc()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal account")
	}
	return []any{rec.ID, string(rec.Status), data, rec.CreatedAt, now}, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutator) (*model.AccountRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var data []byte
	err = tx.QueryRow(ctx, `SELECT record FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock account %s", id)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id
	rec.UpdatedAt = s.nowFunc()

	out, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal account")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET status = $1, record = $2, updated_at = $3 WHERE id = $4`,
		string(rec.Status), out, rec.UpdatedAt, id,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: update account %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit update")
	}
	return rec, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status model.AccountStatus, meta *StatusMeta) (*model.AccountRecord, error) {
	fn, err := setStatusMutator(status, meta, s.nowFunc())
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, fn)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete account %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func decodeRecord(data []byte) (*model.AccountRecord, error) {
	var rec model.AccountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal account record")
	}
	return &rec, nil
}
