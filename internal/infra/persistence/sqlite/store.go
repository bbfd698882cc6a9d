// Package sqlite persists records to an embedded SQLite database, one row per
// record with the JSON payload alongside its revision.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"dehc/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies domain.Storage.
var _ domain.Storage = (*Store)(nil)

const defaultPath = "dehc.db"

// Store is a row-per-record SQLite store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		revision INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (category, key)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Get loads a record.
func (s *Store) Get(ctx context.Context, category, key string) (domain.Record, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM records WHERE category = ? AND key = ?`, category, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("select %s/%s: %w", category, key, err)
	}
	var rec domain.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.Record{}, false, fmt.Errorf("decode %s/%s: %w", category, key, err)
	}
	return rec, true, nil
}

// Put upserts rec when its revision is newer than the stored one.
func (s *Store) Put(ctx context.Context, category, key string, rec domain.Record) (retErr error) {
	data, err := json.Marshal(rec.Stored())
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", category, key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	var stored uint64
	err = tx.QueryRowContext(ctx, `SELECT revision FROM records WHERE category = ? AND key = ?`, category, key).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("select revision %s/%s: %w", category, key, err)
	case rec.Revision <= stored:
		return fmt.Errorf("%w: %s/%s revision %d <= %d", domain.ErrConflict, category, key, rec.Revision, stored)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO records(category,key,revision,payload) VALUES(?,?,?,?)
		ON CONFLICT(category,key) DO UPDATE SET revision=excluded.revision, payload=excluded.payload`,
		category, key, rec.Revision, data); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", category, key, err)
	}
	return tx.Commit()
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", category, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", category, key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrStorageNotFound, category, key)
	}
	return nil
}

// ListKeys returns the keys of category in ascending order.
func (s *Store) ListKeys(ctx context.Context, category string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records WHERE category = ? ORDER BY key`, category)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
