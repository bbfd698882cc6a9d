package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"dehc/internal/infra/persistence/memory"
	"dehc/internal/readsource"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

func TestEvacuationScenario(t *testing.T) {
	ctx := context.Background()
	weights := readsource.Static{"WEIGHT": {"Baggage/Bag1": "23.5"}}
	e := openTestEngine(t, nil, WithReadSource(weights))

	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}})

	alice := mustGet(t, e, person("Alice"))
	if !containsKey(listOf(alice, "Baggage"), "Bag1") {
		t.Fatalf("expected Alice's Baggage to list Bag1, got %v", listOf(alice, "Baggage"))
	}

	mustCreate(t, e, "Group", map[string]any{
		"Name":    "Evac1",
		"Members": []string{"Alice"},
		"Bags":    []any{"Bag1"},
	})
	g := mustGet(t, e, group("Evac1"))
	if g.Numbers["Weight"] != 93.5 {
		t.Fatalf("expected group weight 70 + 23.5, got %v", g.Numbers["Weight"])
	}
	if !g.Defaulted["Weight"] {
		t.Fatalf("expected weight marked defaulted via Alice's fallback")
	}
	if got := FormatNumber(g.Numbers["Weight"], g.Defaulted["Weight"]); got != "93.5*" {
		t.Fatalf("unexpected formatted weight %q", got)
	}
	if g.Numbers["Headcount"] != 1 {
		t.Fatalf("expected headcount 1, got %v", g.Numbers["Headcount"])
	}
	bag := mustGet(t, e, baggage("Bag1"))
	if !containsKey(listOf(bag, "Groups"), "Evac1") {
		t.Fatalf("expected Bag1 to list its group, got %v", listOf(bag, "Groups"))
	}
	if bag.Numbers["Weight"] != 23.5 || bag.Defaulted["Weight"] {
		t.Fatalf("expected fetched bag weight, got %v defaulted=%v", bag.Numbers["Weight"], bag.Defaulted["Weight"])
	}

	if _, err := e.Delete(ctx, baggage("Bag1")); err != nil {
		t.Fatalf("delete Bag1: %v", err)
	}
	alice = mustGet(t, e, person("Alice"))
	if containsKey(listOf(alice, "Baggage"), "Bag1") {
		t.Fatalf("expected Bag1 removed from Alice, got %v", listOf(alice, "Baggage"))
	}
	g = mustGet(t, e, group("Evac1"))
	if g.Numbers["Weight"] != 70 {
		t.Fatalf("expected group weight to drop by 23.5, got %v", g.Numbers["Weight"])
	}
	if len(listOf(g, "Bags")) != 0 {
		t.Fatalf("expected group bags cleared, got %v", listOf(g, "Bags"))
	}
	checkInvariants(t, e)
}

func TestCreateRejections(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})

	cases := []struct {
		name     string
		category string
		values   map[string]any
		want     error
	}{
		{"duplicate key", "Person", map[string]any{"Display Name": "Alice"}, domain.ErrRecordKeyConflict},
		{"missing key field", "Person", map[string]any{"Status": "Waiting"}, domain.ErrRequiredFieldMissing},
		{"invalid option", "Person", map[string]any{"Display Name": "Bob", "Status": "Flying"}, domain.ErrInvalidOption},
		{"pattern mismatch", "Baggage", map[string]any{"Tag": "Suitcase"}, domain.ErrPatternMismatch},
		{"dangling reference", "Baggage", map[string]any{"Tag": "Bag9", "Owner": []string{"Nobody"}}, domain.ErrDanglingReference},
		{"duplicate reference", "Baggage", map[string]any{"Tag": "Bag9", "Owner": []string{"Alice", "Alice"}}, domain.ErrDuplicateReference},
		{"unknown field", "Person", map[string]any{"Display Name": "Bob", "Height": "2m"}, domain.ErrUnknownField},
		{"derived field", "Group", map[string]any{"Name": "G", "Weight": 10}, domain.ErrImmutableField},
		{"invalid boolean", "Person", map[string]any{"Display Name": "Bob", "Locked": "maybe"}, domain.ErrInvalidBoolean},
		{"unknown category", "Vessel", map[string]any{"Name": "Ark"}, domain.ErrUnknownCategory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := e.Len()
			_, _, err := e.Create(ctx, tc.category, tc.values)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if e.Len() != before {
				t.Fatalf("rejected create changed the store: %d -> %d", before, e.Len())
			}
		})
	}
	alice := mustGet(t, e, person("Alice"))
	if len(listOf(alice, "Baggage")) != 0 {
		t.Fatalf("rejected creates must not link Alice, got %v", listOf(alice, "Baggage"))
	}
}

func TestValidationErrorsMatchValidationSentinel(t *testing.T) {
	e := openTestEngine(t, nil)
	_, _, err := e.Create(context.Background(), "Person", map[string]any{"Display Name": "Bob", "Status": "Flying"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if !errors.Is(err, domain.ErrValidation) || verr.Field != "Status" || verr.Category != "Person" {
		t.Fatalf("unexpected validation error %+v", verr)
	}
}

func TestInvalidOptionLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStore()
	e := openTestEngine(t, storage)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice", "Status": "Waiting"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag2"})
	before := mustGet(t, e, person("Alice"))

	// Baggage sorts before Status, so the reciprocal link is staged before
	// the option check fails.
	_, _, err := e.Update(ctx, person("Alice"), map[string]any{"Baggage": []string{"Bag2"}, "Status": "Flying"})
	if !errors.Is(err, domain.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	after := mustGet(t, e, person("Alice"))
	if after.Revision != before.Revision || after.Fields["Status"] != "Waiting" || len(listOf(after, "Baggage")) != 0 {
		t.Fatalf("record changed after rejected update: %+v", after)
	}
	bag := mustGet(t, e, baggage("Bag2"))
	if len(listOf(bag, "Owner")) != 0 {
		t.Fatalf("partner changed after rejected update: %v", listOf(bag, "Owner"))
	}
	stored, _, _ := storage.Get(ctx, "Baggage", "Bag2")
	if stored.Revision != 1 || len(stored.Lists["Owner"]) != 0 {
		t.Fatalf("storage changed after rejected update: %+v", stored)
	}
}

func TestUpdateKeepsKeyFieldsImmutable(t *testing.T) {
	e := openTestEngine(t, nil)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	_, _, err := e.Update(context.Background(), person("Alice"), map[string]any{"Display Name": "Alicia"})
	if !errors.Is(err, domain.ErrImmutableField) {
		t.Fatalf("expected ErrImmutableField, got %v", err)
	}
	if _, _, err := e.Update(context.Background(), person("Alice"), map[string]any{"Display Name": "Alice", "Status": "Boarded"}); err != nil {
		t.Fatalf("rewriting the same key value should succeed: %v", err)
	}
}

func TestUpdateMovesReciprocalLinks(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Bob"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": "Alice"})

	updated, _, err := e.Update(ctx, baggage("Bag1"), map[string]any{"Owner": []string{"Bob"}})
	if err != nil {
		t.Fatalf("update owner: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}
	if containsKey(listOf(mustGet(t, e, person("Alice")), "Baggage"), "Bag1") {
		t.Fatalf("Alice still lists Bag1")
	}
	if !containsKey(listOf(mustGet(t, e, person("Bob")), "Baggage"), "Bag1") {
		t.Fatalf("Bob does not list Bag1")
	}

	// Editing from the other side is idempotent.
	if _, _, err := e.Update(ctx, person("Bob"), map[string]any{"Baggage": []string{"Bag1"}}); err != nil {
		t.Fatalf("idempotent update: %v", err)
	}
	checkInvariants(t, e)
}

func TestExternalListsAreNotResolved(t *testing.T) {
	e := openTestEngine(t, nil)
	rec := mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice", "Physical IDs": []string{"WB-001", "WB-002"}})
	if len(listOf(rec, "Physical IDs")) != 2 {
		t.Fatalf("expected tags stored verbatim, got %v", listOf(rec, "Physical IDs"))
	}
	_, _, err := e.Create(context.Background(), "Person", map[string]any{"Display Name": "Bob", "Physical IDs": []string{"WB-003", "WB-003"}})
	if !errors.Is(err, domain.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference for repeated tag, got %v", err)
	}
}

func TestGeneratedKeys(t *testing.T) {
	e := openTestEngine(t, nil)
	a := mustCreate(t, e, "Note", map[string]any{"Body": "line one\nline two"})
	b := mustCreate(t, e, "Note", nil)
	if len(a.Key) != 36 || a.Key == b.Key {
		t.Fatalf("expected distinct uuid keys, got %q and %q", a.Key, b.Key)
	}
	keys, err := e.Keys("Note")
	if err != nil || len(keys) != 2 {
		t.Fatalf("expected two notes, got %v %v", keys, err)
	}
}

func TestLockUnlockRetry(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	if _, _, err := e.Update(ctx, person("Alice"), map[string]any{"Locked": true}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, _, err := e.Update(ctx, person("Alice"), map[string]any{"Status": "Boarded"}); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("expected ErrLockedRecord on update, got %v", err)
	}
	if _, _, err := e.SetFlags(ctx, person("Alice"), []string{"Md"}); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("expected ErrLockedRecord on flags, got %v", err)
	}
	if _, err := e.Delete(ctx, person("Alice")); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("expected ErrLockedRecord on delete, got %v", err)
	}
	if _, err := e.Refresh(ctx, person("Alice")); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("expected ErrLockedRecord on refresh, got %v", err)
	}
	if _, _, err := e.Create(ctx, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}}); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("expected ErrLockedRecord when linking to a locked partner, got %v", err)
	}
	if _, _, err := e.Update(ctx, person("Alice"), map[string]any{"Locked": false, "Status": "Boarded"}); !errors.Is(err, domain.ErrLockedRecord) {
		t.Fatalf("unlock combined with an edit must be rejected, got %v", err)
	}
	if _, ok := e.committed(baggage("Bag1")); ok {
		t.Fatalf("rejected create left Bag1 behind")
	}

	if _, _, err := e.Update(ctx, person("Alice"), map[string]any{"Locked": "false"}); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, _, err := e.Update(ctx, person("Alice"), map[string]any{"Status": "Boarded"}); err != nil {
		t.Fatalf("retry after unlock: %v", err)
	}
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}})
	checkInvariants(t, e)
}

func TestSetFlagsAndSummary(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, nil)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}})
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Bob"})
	mustCreate(t, e, "Group", map[string]any{"Name": "Evac1", "Members": []string{"Alice"}})
	mustCreate(t, e, "Group", map[string]any{"Name": "Evac2", "Members": []string{"Bob"}})
	if _, _, err := e.SetFlags(ctx, group("Evac2"), []string{"Vp"}); err != nil {
		t.Fatalf("set group flags: %v", err)
	}

	rec, _, err := e.SetFlags(ctx, person("Alice"), []string{"Md-Medical attention", "Ub"})
	if err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if len(rec.Flags) != 2 || rec.Flags[0] != "Ub" || rec.Flags[1] != "Md" {
		t.Fatalf("expected flags in declaration order, got %v", rec.Flags)
	}
	if _, _, err := e.SetFlags(ctx, baggage("Bag1"), []string{"Hz"}); err != nil {
		t.Fatalf("set bag flags: %v", err)
	}
	if _, _, err := e.SetFlags(ctx, person("Alice"), []string{"Zz"}); !errors.Is(err, domain.ErrUnknownFlag) {
		t.Fatalf("expected ErrUnknownFlag, got %v", err)
	}

	summary, err := e.FlagSummary(ctx, group("Evac1"))
	if err != nil {
		t.Fatalf("flag summary: %v", err)
	}
	if summary != "HzUbMd" {
		t.Fatalf("unexpected summary %q", summary)
	}
	if _, err := e.FlagSummary(ctx, group("Nope")); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestNestedSums(t *testing.T) {
	weights := readsource.Static{"WEIGHT": {"Person/Alice": "80", "Person/Bob": "not a number"}}
	e := openTestEngine(t, nil, WithReadSource(weights))
	mustCreate(t, e, "Station", map[string]any{"Name": "North"})
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Bob"})
	mustCreate(t, e, "Group", map[string]any{"Name": "A", "Members": []string{"Alice"}, "Station": []string{"North"}})
	mustCreate(t, e, "Group", map[string]any{"Name": "B", "Members": []string{"Bob"}, "Station": []string{"North"}})

	north := mustGet(t, e, station("North"))
	if north.Numbers["Load"] != 150 {
		t.Fatalf("expected 80 + Bob's default 70, got %v", north.Numbers["Load"])
	}
	if !north.Defaulted["Load"] {
		t.Fatalf("expected defaulted marker to propagate through nested sums")
	}
	v, err := e.Value(context.Background(), group("A"), "Weight")
	if err != nil || v.(float64) != 80 {
		t.Fatalf("expected group A weight 80, got %v %v", v, err)
	}
	checkInvariants(t, e)
}

func TestRefreshCachesReads(t *testing.T) {
	ctx := context.Background()
	value := "23.5"
	src := domain.ReadSourceFunc(func(_ context.Context, source, key string) (string, bool, error) {
		if source != "WEIGHT" || key != "Baggage/Bag1" {
			return "", false, nil
		}
		if value == "" {
			return "", false, errors.New("scale offline")
		}
		return value, true, nil
	})
	e := openTestEngine(t, nil, WithReadSource(src))
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1"})

	rec, err := e.Refresh(ctx, baggage("Bag1"))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Reads["Weight"] != 23.5 {
		t.Fatalf("expected cached read, got %v", rec.Reads)
	}
	value = ""
	if got := mustGet(t, e, baggage("Bag1")).Numbers["Weight"]; got != 23.5 {
		t.Fatalf("expected cached value while source is offline, got %v", got)
	}
	rec, err = e.Refresh(ctx, baggage("Bag1"))
	if err != nil {
		t.Fatalf("refresh with source offline: %v", err)
	}
	if _, ok := rec.Reads["Weight"]; ok {
		t.Fatalf("failed fetch must not be cached, got %v", rec.Reads)
	}
	got := mustGet(t, e, baggage("Bag1"))
	if got.Numbers["Weight"] != 0 || !got.Defaulted["Weight"] {
		t.Fatalf("expected default 0 fallback, got %v defaulted=%v", got.Numbers["Weight"], got.Defaulted["Weight"])
	}
}

func TestRefreshReachesPastReadCache(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	value := "23.5"
	src := domain.ReadSourceFunc(func(context.Context, string, string) (string, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return value, true, nil
	})
	e := openTestEngine(t, nil, WithReadSource(readsource.NewCached(src, 30*time.Second)))
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1"})
	if got := mustGet(t, e, baggage("Bag1")).Numbers["Weight"]; got != 23.5 {
		t.Fatalf("expected first reading 23.5, got %v", got)
	}

	mu.Lock()
	value = "40"
	mu.Unlock()
	if got := mustGet(t, e, baggage("Bag1")).Numbers["Weight"]; got != 23.5 {
		t.Fatalf("expected cached reading between refreshes, got %v", got)
	}
	rec, err := e.Refresh(ctx, baggage("Bag1"))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Reads["Weight"] != 40 {
		t.Fatalf("expected refresh to fetch 40, got %v", rec.Reads)
	}
}

func TestReadPatternRejectsMalformedValues(t *testing.T) {
	src := readsource.Static{"WEIGHT": {"Person/Alice": "80kg"}}
	e := openTestEngine(t, nil, WithReadSource(src))
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	rec := mustGet(t, e, person("Alice"))
	if rec.Numbers["Weight"] != 70 || !rec.Defaulted["Weight"] {
		t.Fatalf("expected default weight for malformed reading, got %v", rec.Numbers["Weight"])
	}
}

func TestCollaboratorFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	storage := newFlakyStorage()
	e := openTestEngine(t, storage)
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}})

	// Bag2 sorts before Person/Alice, so it is written and must be undone.
	storage.failPutOn[person("Alice")] = true
	_, _, err := e.Create(ctx, "Baggage", map[string]any{"Tag": "Bag2", "Owner": []string{"Alice"}})
	if !errors.Is(err, domain.ErrCollaboratorUnavailable) || !errors.Is(err, errInjected) {
		t.Fatalf("expected collaborator failure, got %v", err)
	}
	if _, ok := e.committed(baggage("Bag2")); ok {
		t.Fatalf("failed create committed Bag2 in memory")
	}
	if _, ok, _ := storage.Store.Get(ctx, "Baggage", "Bag2"); ok {
		t.Fatalf("failed create left Bag2 in storage")
	}
	if got := listOf(mustGet(t, e, person("Alice")), "Baggage"); len(got) != 1 || got[0] != "Bag1" {
		t.Fatalf("Alice changed after failed create: %v", got)
	}

	// Bag1 is rewritten before Alice fails; the stored copy is restored with
	// a newer revision and memory follows it.
	_, _, err = e.Update(ctx, baggage("Bag1"), map[string]any{"Owner": []string{}})
	if !errors.Is(err, domain.ErrCollaboratorUnavailable) {
		t.Fatalf("expected collaborator failure, got %v", err)
	}
	stored, _, _ := storage.Store.Get(ctx, "Baggage", "Bag1")
	mem, _ := e.committed(baggage("Bag1"))
	if len(stored.Lists["Owner"]) != 1 || stored.Revision != mem.Revision || len(mem.Lists["Owner"]) != 1 {
		t.Fatalf("rollback mismatch: stored=%+v memory=%+v", stored, mem)
	}

	storage.reset()
	if _, _, err := e.Update(ctx, baggage("Bag1"), map[string]any{"Owner": []string{}}); err != nil {
		t.Fatalf("retry after storage recovers: %v", err)
	}
	if got := listOf(mustGet(t, e, person("Alice")), "Baggage"); len(got) != 0 {
		t.Fatalf("expected Alice's baggage cleared, got %v", got)
	}
	checkInvariants(t, e)
}

func TestRepairOnOpen(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStore()
	stamp := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	put := func(rec domain.Record) {
		rec.Revision, rec.CreatedAt, rec.UpdatedAt = 1, stamp, stamp
		if err := storage.Put(ctx, rec.Category, rec.Key, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.ID(), err)
		}
	}
	put(domain.Record{Category: "Person", Key: "Alice", Fields: map[string]string{"Display Name": "Alice"}, Lists: map[string][]string{"Baggage": {"Bag1"}}})
	put(domain.Record{Category: "Baggage", Key: "Bag1", Fields: map[string]string{"Tag": "Bag1"}})
	put(domain.Record{Category: "Person", Key: "Carol", Fields: map[string]string{"Display Name": "Carol"}, Lists: map[string][]string{"Groups": {"Ghost"}}})

	e := openTestEngine(t, storage)
	if got := listOf(mustGet(t, e, baggage("Bag1")), "Owner"); len(got) != 1 || got[0] != "Alice" {
		t.Fatalf("expected one-sided link restored, got %v", got)
	}
	if got := listOf(mustGet(t, e, person("Carol")), "Groups"); len(got) != 0 {
		t.Fatalf("expected dangling reference dropped, got %v", got)
	}
	stored, _, _ := storage.Get(ctx, "Baggage", "Bag1")
	if stored.Revision != 2 || len(stored.Lists["Owner"]) != 1 {
		t.Fatalf("expected repair persisted with a new revision, got %+v", stored)
	}
	checkInvariants(t, e)
}

func TestReadOnlyEngine(t *testing.T) {
	ctx := context.Background()
	storage := memory.NewStore()
	seed := openTestEngine(t, storage)
	mustCreate(t, seed, "Person", map[string]any{"Display Name": "Alice"})

	e := openTestEngine(t, storage, WithReadOnly(true))
	if !e.ReadOnly() {
		t.Fatalf("expected read-only engine")
	}
	if _, _, err := e.Create(ctx, "Person", map[string]any{"Display Name": "Bob"}); !errors.Is(err, domain.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := e.Delete(ctx, person("Alice")); !errors.Is(err, domain.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly on delete, got %v", err)
	}
	if rec := mustGet(t, e, person("Alice")); rec.DisplayName() != "Alice [Person]" {
		t.Fatalf("unexpected display name %q", rec.DisplayName())
	}
}

func TestListOrdersByKey(t *testing.T) {
	e := openTestEngine(t, nil)
	for _, name := range []string{"Carol", "Alice", "Bob"} {
		mustCreate(t, e, "Person", map[string]any{"Display Name": name})
	}
	recs, err := e.List(context.Background(), "Person")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].Key != "Alice" || recs[2].Key != "Carol" {
		t.Fatalf("unexpected order %v", recs)
	}
	if recs[0].Numbers["Weight"] != 70 {
		t.Fatalf("expected derived values on listed records, got %v", recs[0].Numbers)
	}
	if _, err := e.List(context.Background(), "Vessel"); !errors.Is(err, domain.ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in, dflt  string
		want      float64
		defaulted bool
	}{
		{"12.5", "", 12.5, false},
		{"", "3", 3, true},
		{"  ", "", 0, false},
		{"abc", "", 0, false},
	}
	for _, tc := range cases {
		got := parseNumber(tc.in, tc.dflt)
		if math.Abs(got.value-tc.want) > 1e-9 || got.defaulted != tc.defaulted {
			t.Fatalf("parseNumber(%q, %q) = %+v", tc.in, tc.dflt, got)
		}
	}
}

func TestViewReadsOneSnapshot(t *testing.T) {
	weights := readsource.Static{"WEIGHT": {"Baggage/Bag1": "10"}}
	e := openTestEngine(t, nil, WithReadSource(weights))
	mustCreate(t, e, "Person", map[string]any{"Display Name": "Alice"})
	mustCreate(t, e, "Baggage", map[string]any{"Tag": "Bag1", "Owner": []string{"Alice"}})
	mustCreate(t, e, "Group", map[string]any{"Name": "G1", "Members": []string{"Alice"}, "Bags": []string{"Bag1"}})

	recs, err := e.View(context.Background(), []domain.RecordID{group("G1"), person("Alice")})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "G1" || recs[1].Key != "Alice" {
		t.Fatalf("expected records in request order, got %v", recs)
	}
	if recs[0].Numbers["Weight"] != 80 || recs[1].Numbers["Weight"] != 70 {
		t.Fatalf("unexpected derived values %v %v", recs[0].Numbers, recs[1].Numbers)
	}
	if _, err := e.View(context.Background(), []domain.RecordID{person("Alice"), person("Nobody")}); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestCompoundKeyRejectsSeparatorInParts(t *testing.T) {
	ctx := context.Background()
	reg := schema.MustLoad(mustParseDefs(t, `
Person:
  fields:
    First Name: {type: text, required: true}
    Last Name: {type: text, required: true}
  keys: [First Name, Last Name]
Tag:
  fields:
    Label: {type: text, required: true}
  keys: [Label]
`))
	e, err := Open(ctx, reg, memory.NewStore(), WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec, _, err := e.Create(ctx, "Person", map[string]any{"First Name": "Ann", "Last Name": "Lee"})
	if err != nil || rec.Key != "Ann, Lee" {
		t.Fatalf("create: %q %v", rec.Key, err)
	}
	_, _, err = e.Create(ctx, "Person", map[string]any{"First Name": "A, B", "Last Name": "C"})
	if !errors.Is(err, domain.ErrKeySeparator) {
		t.Fatalf("expected ErrKeySeparator, got %v", err)
	}
	if _, _, err := e.Create(ctx, "Tag", map[string]any{"Label": "Fragile, Heavy"}); err != nil {
		t.Fatalf("single-field keys may contain the separator: %v", err)
	}
}
