package identity

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStorage keeps identity keys in a single-table SQLite database.
type SQLiteStorage struct{ db *sql.DB }

// NewSQLiteStorage opens (and migrates) the database at dsn. Use
// "file::memory:?cache=shared" for an ephemeral store.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS firemoo_kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`)
	return errors.Wrap(err, "migrate sqlite storage")
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

func (s *SQLiteStorage) Get(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM firemoo_kv WHERE key = ?`, key)
	var value string
	switch err := row.Scan(&value); err {
	case nil:
		return value, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, errors.Wrapf(err, "get %q", key)
	}
}

func (s *SQLiteStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO firemoo_kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
	return errors.Wrapf(err, "set %q", key)
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM firemoo_kv WHERE key = ?`, key)
	return errors.Wrapf(err, "delete %q", key)
}
