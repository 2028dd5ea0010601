package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB

	// writeMu serializes read-modify-write cycles.
	writeMu sync.Mutex
}

// DefaultPath returns the database location under the XDG data directory.
func DefaultPath() (string, error) {
	p, err := xdg.DataFile(filepath.Join("mcphub", "state.db"))
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve data path")
	}
	return p, nil
}

// OpenSQLite opens (creating if needed) the database at path. The special
// path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, "failed to create data directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// :memory: databases live only as long as their connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (scope, key)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}
	return nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, scope Scope, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE scope = ? AND key = ?`, string(scope), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s/%s", scope, key)
	}
	return value, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, scope Scope, key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return put(ctx, s.db, scope, key, value)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, scope Scope, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE scope = ? AND key = ?`, string(scope), key); err != nil {
		return errors.Wrapf(err, "failed to delete %s/%s", scope, key)
	}
	return nil
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, scope Scope, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE scope = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		string(scope), len(prefix), prefix,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s/%s", scope, prefix)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "failed to scan key")
		}
		keys = append(keys, k)
	}
	return keys, errors.Wrap(rows.Err(), "failed to list keys")
}

// Update implements Store. The read and the write happen in one transaction.
func (s *SQLite) Update(ctx context.Context, scope Scope, key string, fn UpdateFunc) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var old []byte
	found := true
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE scope = ? AND key = ?`, string(scope), key,
	).Scan(&old)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return errors.Wrapf(err, "failed to read %s/%s", scope, key)
	}

	next, err := fn(old, found)
	if err != nil {
		return err
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE scope = ? AND key = ?`, string(scope), key); err != nil {
			return errors.Wrapf(err, "failed to delete %s/%s", scope, key)
		}
	} else if err := put(ctx, tx, scope, key, next); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, scope Scope, key string, value []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(scope), key, value, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s/%s", scope, key)
	}
	return nil
}
