package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/account-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The full record is
// kept as JSON; status is denormalized into its own column for filtering.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which makes Update's
// read-modify-write transaction atomic without SQLITE_BUSY upgrades.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		db:      db,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'active',
	record     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record FROM accounts WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.AccountRecord, error) {
	query := `SELECT record FROM accounts`
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list accounts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AccountRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate accounts")
	}

	if len(filter.IDs) > 0 {
		out = orderByIDs(out, filter.IDs)
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec model.AccountRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.nowFunc()
	if rec.CreatedAt.IsZero() {
		existing, err := scanRecord(tx.QueryRowContext(ctx, `SELECT record FROM accounts WHERE id = ?`, rec.ID))
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
		case !errors.Is(err, sql.ErrNoRows):
			return eris.Wrapf(err, "sqlite: load account %s", rec.ID)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal account")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record, updated_at = excluded.updated_at`,
		rec.ID, string(rec.Status), string(data), rec.CreatedAt, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert account %s", rec.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn Mutator) (*model.AccountRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin update")
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT record FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load account %s", id)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id
	rec.UpdatedAt = s.nowFunc()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal account")
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET status = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(rec.Status), string(data), rec.UpdatedAt, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update account %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit update")
	}
	return rec, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status model.AccountStatus, meta *StatusMeta) (*model.AccountRecord, error) {
	fn, err := setStatusMutator(status, meta, s.nowFunc())
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, fn)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete account %s", id)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.AccountRecord, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var rec model.AccountRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, eris.Wrap(err, "unmarshal account record")
	}
	return &rec, nil
}
