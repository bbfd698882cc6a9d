// Package bolt persists records in an embedded bbolt file, one bucket per
// category with CBOR-encoded values.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"dehc/internal/codec"
	"dehc/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies domain.Storage.
var _ domain.Storage = (*Store)(nil)

const (
	defaultPath = "dehc.bolt"
	fileMode    = 0o600
)

// Store is a bucket-per-category bbolt store.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if needed) the bbolt file at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := bolt.Open(path, fileMode, bolt.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	return &Store{db: db}, nil
}

// Get loads a record.
func (s *Store) Get(_ context.Context, category, key string) (rec domain.Record, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := codec.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode %s/%s: %w", category, key, err)
		}
		ok = true
		return nil
	})
	return rec, ok, err
}

// Put stores rec when its revision is newer than the stored one.
func (s *Store) Put(_ context.Context, category, key string, rec domain.Record) error {
	data, err := codec.Marshal(rec.Stored())
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", category, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(category))
		if err != nil {
			return fmt.Errorf("bucket %s: %w", category, err)
		}
		if existing := b.Get([]byte(key)); existing != nil {
			var stored domain.Record
			if err := codec.Unmarshal(existing, &stored); err != nil {
				return fmt.Errorf("decode %s/%s: %w", category, key, err)
			}
			if rec.Revision <= stored.Revision {
				return fmt.Errorf("%w: %s/%s revision %d <= %d", domain.ErrConflict, category, key, rec.Revision, stored.Revision)
			}
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, category, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s/%s", domain.ErrStorageNotFound, category, key)
		}
		return b.Delete([]byte(key))
	})
}

// ListKeys returns the keys of category in ascending byte order.
func (s *Store) ListKeys(_ context.Context, category string) ([]string, error) {
	keys := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(category))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Close releases the file lock.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }
