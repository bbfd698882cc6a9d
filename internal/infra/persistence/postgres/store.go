// Package postgres provides a Postgres-backed record store. Rows are hydrated
// into an in-memory cache at open and every write goes through to the
// database before the cache is updated.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"dehc/internal/infra/persistence/memory"
	"dehc/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.Storage = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/dehc?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists records to Postgres while serving reads from memory.
type Store struct {
	cache *memory.Store
	db    *sql.DB
	mu    sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the records table exists and hydrates the cache.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRecordsTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	cache := memory.NewStore()
	cache.ImportState(snapshot)
	return &Store{cache: cache, db: db}, nil
}

func ensureRecordsTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		revision BIGINT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM records`)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		var rec domain.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		bucket, ok := snapshot[rec.Category]
		if !ok {
			bucket = make(map[string]domain.Record)
			snapshot[rec.Category] = bucket
		}
		bucket[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return snapshot, nil
}

// Get serves the record from the cache.
func (s *Store) Get(ctx context.Context, category, key string) (domain.Record, bool, error) {
	return s.cache.Get(ctx, category, key)
}

// ListKeys serves keys from the cache.
func (s *Store) ListKeys(ctx context.Context, category string) ([]string, error) {
	return s.cache.ListKeys(ctx, category)
}

// Put upserts the row, then updates the cache.
func (s *Store) Put(ctx context.Context, category, key string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok, _ := s.cache.Get(ctx, category, key); ok && rec.Revision <= existing.Revision {
		return fmt.Errorf("%w: %s/%s revision %d <= %d", domain.ErrConflict, category, key, rec.Revision, existing.Revision)
	}
	stored := rec.Stored()
	stored.Category, stored.Key = category, key
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", category, key, err)
	}
	id := domain.RecordID{Category: category, Key: key}.String()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO records(id,category,key,revision,payload) VALUES($1,$2,$3,$4,$5) ON CONFLICT(id) DO UPDATE SET revision=EXCLUDED.revision, payload=EXCLUDED.payload`,
		id, category, key, int64(rec.Revision), data); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return s.cache.Put(ctx, category, key, stored)
}

// Delete removes the row, then the cache entry.
func (s *Store) Delete(ctx context.Context, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, _ := s.cache.Get(ctx, category, key); !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrStorageNotFound, category, key)
	}
	id := domain.RecordID{Category: category, Key: key}.String()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return s.cache.Delete(ctx, category, key)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
