// Package metastore implements the optional external metadata store
// (SPEC_FULL §6): a DSN-selected SQL backend restricted to two key
// families, `nodes/<node_id>` and `providers/<provider_id>`. Instance
// state, execution logs, and any desired-state analogue are rejected
// by the guard in Put/Delete before ever reaching a driver. Grounded
// on the reference codebase's internal/store/factory.go DSN-dispatch
// pattern and its postgres (jackc/pgx/v5) and sqlite (modernc.org/sqlite)
// backends, generalized here from a fixed process-state schema to a
// single-table key/value shape appropriate for the two prefixes
// allowed.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var ErrDisallowedKey = errors.New("metastore: key is outside the nodes/ and providers/ prefixes")

const (
	prefixNodes     = "nodes/"
	prefixProviders = "providers/"
)

// Store is a guarded key/value façade over a SQL backend.
type Store struct {
	db     *sql.DB
	driver string
}

// NewFromDSN dispatches on dsn's scheme the same way
// internal/eventlog/sink.go dispatches sink DSNs: `postgres://` /
// `postgresql://` selects pgx, `sqlite://` or a bare filesystem path
// selects modernc.org/sqlite.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	driver, source := driverAndSource(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("metastore: opening %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metastore: connecting: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func driverAndSource(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metastore_kv(
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

func allowedKey(key string) bool {
	return strings.HasPrefix(key, prefixNodes) || strings.HasPrefix(key, prefixProviders)
}

// Put upserts value under key. ErrDisallowedKey is returned, without
// touching the database, for any key outside nodes/ and providers/.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if !allowedKey(key) {
		return ErrDisallowedKey
	}
	if s.driver == "pgx" {
		_, err := s.db.ExecContext(ctx, `INSERT INTO metastore_kv(key, value, updated_at) VALUES($1,$2,$3)
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
			key, value, time.Now().UTC())
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metastore_kv(key, value, updated_at) VALUES(?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// Get returns the value stored under key, or sql.ErrNoRows if absent.
// Reads are not guarded by prefix — a key outside the two allowed
// families can never have been written, so a lookup on one is
// equivalent to a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	placeholder := "$1"
	if s.driver != "pgx" {
		placeholder = "?"
	}
	row := s.db.QueryRowContext(ctx, "SELECT value FROM metastore_kv WHERE key = "+placeholder, key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key, guarded the same way Put is.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !allowedKey(key) {
		return ErrDisallowedKey
	}
	placeholder := "$1"
	if s.driver != "pgx" {
		placeholder = "?"
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM metastore_kv WHERE key = "+placeholder, key)
	return err
}

// ListByPrefix returns every key currently stored under prefix, used
// to rebuild the node registry and provider metadata map on startup.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	if !allowedKey(prefix) {
		return nil, ErrDisallowedKey
	}
	placeholder := "$1"
	if s.driver != "pgx" {
		placeholder = "?"
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM metastore_kv WHERE key LIKE "+placeholder, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
