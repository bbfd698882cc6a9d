package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"dehc/pkg/domain"
)

// StorageContract exercises the behavior every domain.Storage implementation
// must share. open must return an empty store.
func StorageContract(t *testing.T, open func(t *testing.T) domain.Storage) {
	t.Helper()
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("put get list", func(t *testing.T) {
		s := open(t)
		for _, key := range []string{"Carol", "Alice", "Bob"} {
			rec := domain.Record{
				Category:  "Person",
				Key:       key,
				Revision:  1,
				Fields:    map[string]string{"Display Name": key},
				Lists:     map[string][]string{"Baggage": {"Bag1"}},
				Locks:     map[string]bool{"Locked": false},
				Reads:     map[string]float64{"Weight": 70},
				Flags:     []string{"Ub"},
				CreatedAt: stamp,
				UpdatedAt: stamp,
			}
			if err := s.Put(ctx, "Person", key, rec); err != nil {
				t.Fatalf("put %s: %v", key, err)
			}
		}
		got, ok, err := s.Get(ctx, "Person", "Bob")
		if err != nil || !ok {
			t.Fatalf("get Bob: ok=%v err=%v", ok, err)
		}
		if got.Fields["Display Name"] != "Bob" || got.Revision != 1 || got.Lists["Baggage"][0] != "Bag1" || got.Reads["Weight"] != 70 {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.HasFlag("Ub") || !got.CreatedAt.Equal(stamp) {
			t.Fatalf("flags or timestamps lost: %+v", got)
		}
		keys, err := s.ListKeys(ctx, "Person")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(keys) != 3 || keys[0] != "Alice" || keys[1] != "Bob" || keys[2] != "Carol" {
			t.Fatalf("expected sorted keys, got %v", keys)
		}
		empty, err := s.ListKeys(ctx, "Baggage")
		if err != nil || len(empty) != 0 {
			t.Fatalf("expected no Baggage keys, got %v %v", empty, err)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		s := open(t)
		if _, ok, err := s.Get(ctx, "Person", "Nobody"); ok || err != nil {
			t.Fatalf("expected absent record, ok=%v err=%v", ok, err)
		}
		if err := s.Delete(ctx, "Person", "Nobody"); !errors.Is(err, domain.ErrStorageNotFound) {
			t.Fatalf("expected ErrStorageNotFound, got %v", err)
		}
	})

	t.Run("revision conflict", func(t *testing.T) {
		s := open(t)
		rec := domain.Record{Category: "Person", Key: "Alice", Revision: 2, CreatedAt: stamp, UpdatedAt: stamp}
		if err := s.Put(ctx, "Person", "Alice", rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		rec.Revision = 2
		if err := s.Put(ctx, "Person", "Alice", rec); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict for equal revision, got %v", err)
		}
		rec.Revision = 1
		if err := s.Put(ctx, "Person", "Alice", rec); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict for stale revision, got %v", err)
		}
		rec.Revision = 3
		if err := s.Put(ctx, "Person", "Alice", rec); err != nil {
			t.Fatalf("put newer revision: %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		rec := domain.Record{Category: "Baggage", Key: "Bag1", Revision: 1, CreatedAt: stamp, UpdatedAt: stamp}
		if err := s.Put(ctx, "Baggage", "Bag1", rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.Delete(ctx, "Baggage", "Bag1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "Baggage", "Bag1"); ok {
			t.Fatalf("record still present after delete")
		}
		if err := s.Put(ctx, "Baggage", "Bag1", rec); err != nil {
			t.Fatalf("re-create after delete: %v", err)
		}
	})

	t.Run("derived values are not stored", func(t *testing.T) {
		s := open(t)
		rec := domain.Record{
			Category:  "Group",
			Key:       "Bus 4",
			Revision:  1,
			Numbers:   map[string]float64{"Headcount": 3},
			Defaulted: map[string]bool{"Weight": true},
			CreatedAt: stamp,
			UpdatedAt: stamp,
		}
		if err := s.Put(ctx, "Group", "Bus 4", rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, _, err := s.Get(ctx, "Group", "Bus 4")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Numbers) != 0 || len(got.Defaulted) != 0 {
			t.Fatalf("derived values persisted: %+v", got)
		}
	})
}
