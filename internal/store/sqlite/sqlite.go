// Package sqlite provides a SQLite-backed implementation of store.Repository.
//
// Every record kind shares one table; rows are addressed by (kind, key) and
// payloads are stored as JSON.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Tyrowin/presence-chat/internal/store"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    kind       TEXT    NOT NULL,
    key        TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (kind, key)
);
`

// DB owns the SQLite handle shared by every Table.
type DB struct {
	sqlDB *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &DB{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// Table is a store.Repository for one record kind.
type Table[T any] struct {
	db   *DB
	kind string
	now  func() time.Time
}

var _ store.Repository[struct{}] = (*Table[struct{}])(nil)

// NewTable returns the Table holding records of kind.
func NewTable[T any](db *DB, kind string) *Table[T] {
	return &Table[T]{db: db, kind: kind, now: time.Now}
}

// Put inserts or overwrites the record under key.
func (t *Table[T]) Put(ctx context.Context, key string, record T) error {
	payload, err := t.encode(key, record)
	if err != nil {
		return err
	}
	_, err = t.db.sqlDB.ExecContext(ctx,
		`INSERT INTO records (kind, key, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		t.kind, key, payload, t.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s %q: %w", t.kind, key, err)
	}
	return nil
}

// PutIfAbsent stores record only when key is unused.
func (t *Table[T]) PutIfAbsent(ctx context.Context, key string, record T) (bool, error) {
	payload, err := t.encode(key, record)
	if err != nil {
		return false, err
	}
	res, err := t.db.sqlDB.ExecContext(ctx,
		`INSERT INTO records (kind, key, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO NOTHING`,
		t.kind, key, payload, t.now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s %q: %w", t.kind, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert %s %q: %w", t.kind, key, err)
	}
	return n == 1, nil
}

// Get returns the record under key or store.ErrNotFound.
func (t *Table[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if key == "" {
		return zero, store.ErrEmptyKey
	}
	var payload []byte
	err := t.db.sqlDB.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE kind = ? AND key = ?`, t.kind, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s %q: %w", t.kind, key, err)
	}
	return t.decode(key, payload)
}

// Update reads, transforms and writes the record under key in one
// transaction.
func (t *Table[T]) Update(ctx context.Context, key string, fn func(T) (T, error)) (T, error) {
	var zero T
	if key == "" {
		return zero, store.ErrEmptyKey
	}
	tx, err := t.db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE kind = ? AND key = ?`, t.kind, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s %q: %w", t.kind, key, err)
	}
	current, err := t.decode(key, payload)
	if err != nil {
		return zero, err
	}
	next, err := fn(current)
	if err != nil {
		return zero, err
	}
	encoded, err := t.encode(key, next)
	if err != nil {
		return zero, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET payload = ?, updated_at = ? WHERE kind = ? AND key = ?`,
		encoded, t.now().UTC().UnixMilli(), t.kind, key,
	); err != nil {
		return zero, fmt.Errorf("update %s %q: %w", t.kind, key, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// List returns every record of this kind ordered by key.
func (t *Table[T]) List(ctx context.Context) ([]T, error) {
	rows, err := t.db.sqlDB.QueryContext(ctx,
		`SELECT key, payload FROM records WHERE kind = ? ORDER BY key`, t.kind,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.kind, err)
	}
	defer rows.Close()

	var records []T
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.kind, err)
		}
		record, err := t.decode(key, payload)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", t.kind, err)
	}
	return records, nil
}

// Delete removes the record under key.
func (t *Table[T]) Delete(ctx context.Context, key string) error {
	if key == "" {
		return store.ErrEmptyKey
	}
	if _, err := t.db.sqlDB.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND key = ?`, t.kind, key,
	); err != nil {
		return fmt.Errorf("delete %s %q: %w", t.kind, key, err)
	}
	return nil
}

func (t *Table[T]) encode(key string, record T) ([]byte, error) {
	if key == "" {
		return nil, store.ErrEmptyKey
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s %q: %w", t.kind, key, err)
	}
	return payload, nil
}

func (t *Table[T]) decode(key string, payload []byte) (T, error) {
	var record T
	if err := json.Unmarshal(payload, &record); err != nil {
		var zero T
		return zero, &store.DecodeError{Kind: t.kind, Key: key, Err: err}
	}
	return record, nil
}
