package core

import (
	"sync"

	"dehc/pkg/domain"
)

type lockEntry struct {
	mu   sync.RWMutex
	refs int
}

// lockTable hands out one RWMutex per record. Entries live only while some
// caller holds or waits on them.
type lockTable struct {
	mu      sync.Mutex
	entries map[domain.RecordID]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[domain.RecordID]*lockEntry)}
}

func (t *lockTable) ref(id domain.RecordID) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(id domain.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}

// heldLocks is a set of acquired record locks.
type heldLocks struct {
	table *lockTable
	ids   []domain.RecordID
	write bool
}

// acquire locks ids in category-then-key order. Duplicates are ignored.
func (t *lockTable) acquire(ids []domain.RecordID, write bool) *heldLocks {
	sorted := dedupeIDs(ids)
	for _, id := range sorted {
		e := t.ref(id)
		if write {
			e.mu.Lock()
		} else {
			e.mu.RLock()
		}
	}
	return &heldLocks{table: t, ids: sorted, write: write}
}

func (h *heldLocks) covers(id domain.RecordID) bool {
	for _, held := range h.ids {
		if held == id {
			return true
		}
	}
	return false
}

func (h *heldLocks) release() {
	for i := len(h.ids) - 1; i >= 0; i-- {
		id := h.ids[i]
		h.table.mu.Lock()
		e := h.table.entries[id]
		h.table.mu.Unlock()
		if h.write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
		h.table.unref(id)
	}
	h.ids = nil
}

func dedupeIDs(ids []domain.RecordID) []domain.RecordID {
	seen := make(map[domain.RecordID]struct{}, len(ids))
	out := make([]domain.RecordID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	domain.SortRecordIDs(out)
	return out
}
