// Package memory provides an in-memory implementation of the record storage
// collaborator used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dehc/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies domain.Storage.
var _ domain.Storage = (*Store)(nil)

// Snapshot captures a point-in-time clone of the store contents keyed by
// category then key.
type Snapshot map[string]map[string]domain.Record

// Store keeps records in nested maps guarded by a single RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.Record
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]map[string]domain.Record)}
}

// Get returns a clone of the stored record.
func (s *Store) Get(_ context.Context, category, key string) (domain.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[category][key]
	if !ok {
		return domain.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

// Put stores rec when its revision is newer than the stored one.
func (s *Store) Put(_ context.Context, category, key string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[category]
	if !ok {
		bucket = make(map[string]domain.Record)
		s.records[category] = bucket
	}
	if existing, ok := bucket[key]; ok && rec.Revision <= existing.Revision {
		return fmt.Errorf("%w: %s/%s revision %d <= %d", domain.ErrConflict, category, key, rec.Revision, existing.Revision)
	}
	bucket[key] = rec.Stored()
	return nil
}

// Delete removes the record.
func (s *Store) Delete(_ context.Context, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[category][key]; !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrStorageNotFound, category, key)
	}
	delete(s.records[category], key)
	return nil
}

// ListKeys returns the keys of category in ascending order.
func (s *Store) ListKeys(_ context.Context, category string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records[category]))
	for k := range s.records[category] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ExportState clones the current contents for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.records))
	for cat, bucket := range s.records {
		cp := make(map[string]domain.Record, len(bucket))
		for k, rec := range bucket {
			cp[k] = rec.Clone()
		}
		out[cat] = cp
	}
	return out
}

// ImportState replaces the store contents with the snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	records := make(map[string]map[string]domain.Record, len(snapshot))
	for cat, bucket := range snapshot {
		cp := make(map[string]domain.Record, len(bucket))
		for k, rec := range bucket {
			cp[k] = rec.Stored()
		}
		records[cat] = cp
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

// Len reports the number of stored records across all categories.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bucket := range s.records {
		n += len(bucket)
	}
	return n
}
