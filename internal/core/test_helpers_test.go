package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"dehc/internal/infra/persistence/memory"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

const evacuationSchema = `
Person:
  fields:
    Display Name: {type: text, required: true}
    Status: {type: option, options: [Waiting, Boarded]}
    Weight: {type: read, source: WEIGHT, default: 70, regex: '[0-9]+(\.[0-9]+)?'}
    Baggage: {type: list, source: IDS, childcat: Baggage, childfield: Owner}
    Groups: {type: list, source: IDS, childcat: Group, childfield: Members}
    Bags Held: {type: count, cat: Baggage}
    Physical IDs: {type: list, source: PHYSIDS}
    Locked: {type: lock}
  flags: [Ub-Unboarded, Md-Medical attention]
  keys: [Display Name]
Baggage:
  fields:
    Tag: {type: text, required: true, regex: 'Bag[0-9]+'}
    Owner: {type: list, cat: Person}
    Groups: {type: list, source: IDS, childcat: Group, childfield: Bags}
    Weight: {type: read, source: WEIGHT}
  flags: [Hz-Hazardous]
  keys: [Tag]
Group:
  fields:
    Name: {type: text, required: true}
    Members: {type: list, cat: Person}
    Bags: {type: list, cat: Baggage}
    Station: {type: list, source: IDS, childcat: Station, childfield: Groups}
    Weight: {type: sum, cat: [Person, Baggage], target: Weight}
    Headcount: {type: count, cat: Person}
    Locked: {type: lock}
  flags: [Vp-Priority]
  keys: [Name]
Station:
  fields:
    Name: {type: text, required: true}
    Groups: {type: list, cat: Group}
    Load: {type: sum, cat: [Group], target: Weight}
  keys: [Name]
Note:
  fields:
    Body: {type: multitext}
  keys: []
`

// tb is the subset of testing.TB that *rapid.T also satisfies.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

func mustParseDefs(t tb, src string) schema.Definitions {
	t.Helper()
	defs, err := schema.Parse([]byte(src), schema.FormatYAML)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return defs
}

func testRegistry(t tb) *schema.Registry {
	t.Helper()
	defs, err := schema.Parse([]byte(evacuationSchema), schema.FormatYAML)
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	reg, err := schema.Load(defs)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return reg
}

func fixedClock() Clock {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	})
}

func openTestEngine(t tb, storage domain.Storage, opts ...Option) *Engine {
	t.Helper()
	reg := testRegistry(t)
	if storage == nil {
		storage = memory.NewStore()
	}
	all := append([]Option{WithClock(fixedClock()), WithRulesEngine(NewDefaultRulesEngine(reg))}, opts...)
	e, err := Open(context.Background(), reg, storage, all...)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	return e
}

func person(key string) domain.RecordID  { return domain.RecordID{Category: "Person", Key: key} }
func baggage(key string) domain.RecordID { return domain.RecordID{Category: "Baggage", Key: key} }
func group(key string) domain.RecordID   { return domain.RecordID{Category: "Group", Key: key} }
func station(key string) domain.RecordID { return domain.RecordID{Category: "Station", Key: key} }

func mustCreate(t tb, e *Engine, category string, values map[string]any) domain.Record {
	t.Helper()
	rec, _, err := e.Create(context.Background(), category, values)
	if err != nil {
		t.Fatalf("create %s %v: %v", category, values, err)
	}
	return rec
}

func mustGet(t tb, e *Engine, id domain.RecordID) domain.Record {
	t.Helper()
	rec, err := e.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func listOf(rec domain.Record, field string) []string {
	return rec.Lists[field]
}

func containsKey(list []string, key string) bool {
	for _, k := range list {
		if k == key {
			return true
		}
	}
	return false
}

var errInjected = errors.New("injected storage failure")

// flakyStorage wraps a memory store and fails writes on demand.
type flakyStorage struct {
	*memory.Store

	mu        sync.Mutex
	failPutOn map[domain.RecordID]bool
	failAfter int // fail every write after this many succeed; <0 disables
	writes    int
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{Store: memory.NewStore(), failPutOn: map[domain.RecordID]bool{}, failAfter: -1}
}

func (f *flakyStorage) shouldFail(id domain.RecordID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPutOn[id] {
		return true
	}
	if f.failAfter >= 0 && f.writes >= f.failAfter {
		return true
	}
	f.writes++
	return false
}

func (f *flakyStorage) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPutOn = map[domain.RecordID]bool{}
	f.failAfter = -1
	f.writes = 0
}

func (f *flakyStorage) Put(ctx context.Context, category, key string, rec domain.Record) error {
	if f.shouldFail(domain.RecordID{Category: category, Key: key}) {
		return errInjected
	}
	return f.Store.Put(ctx, category, key, rec)
}

func (f *flakyStorage) Delete(ctx context.Context, category, key string) error {
	if f.shouldFail(domain.RecordID{Category: category, Key: key}) {
		return errInjected
	}
	return f.Store.Delete(ctx, category, key)
}

// checkInvariants verifies every record list resolves, every reciprocal
// pair is complete and every sum and count matches a brute-force recount.
func checkInvariants(t tb, e *Engine) {
	t.Helper()
	ctx := context.Background()
	all := e.Export()
	byID := make(map[domain.RecordID]domain.Record, len(all))
	for _, rec := range all {
		byID[rec.ID()] = rec
	}
	referrers := make(map[domain.RecordID][]domain.RecordID)
	for _, rec := range all {
		cs, _ := e.Registry().SchemaFor(rec.Category)
		for _, lf := range cs.Lists() {
			if !lf.InStore() {
				continue
			}
			for _, key := range rec.Lists[lf.Name] {
				target := domain.RecordID{Category: lf.Category, Key: key}
				partner, ok := byID[target]
				if !ok {
					t.Fatalf("%s.%s references missing %s", rec.ID(), lf.Name, target)
				}
				referrers[target] = append(referrers[target], rec.ID())
				if lf.Reciprocal() && !containsKey(partner.Lists[lf.ChildField], rec.Key) {
					t.Fatalf("%s.%s lists %s but %s.%s does not list back", rec.ID(), lf.Name, target, target, lf.ChildField)
				}
			}
		}
	}
	for _, rec := range all {
		cs, _ := e.Registry().SchemaFor(rec.Category)
		got, err := e.Get(ctx, rec.ID())
		if err != nil {
			t.Fatalf("get %s: %v", rec.ID(), err)
		}
		for _, f := range cs.Fields {
			switch f := f.(type) {
			case schema.SumField:
				var want float64
				for _, src := range distinct(referrers[rec.ID()]) {
					if !containsKey(f.Categories, src.Category) {
						continue
					}
					srcRec, err := e.Get(ctx, src)
					if err != nil {
						t.Fatalf("get %s: %v", src, err)
					}
					want += srcRec.Numbers[f.Target]
				}
				if got.Numbers[f.Name] != want {
					t.Fatalf("%s.%s = %v, want %v", rec.ID(), f.Name, got.Numbers[f.Name], want)
				}
			case schema.CountField:
				want := 0
				for _, src := range distinct(referrers[rec.ID()]) {
					if containsKey(f.Categories, src.Category) {
						want++
					}
				}
				if got.Numbers[f.Name] != float64(want) {
					t.Fatalf("%s.%s = %v, want %d", rec.ID(), f.Name, got.Numbers[f.Name], want)
				}
			}
		}
	}
}

func distinct(ids []domain.RecordID) []domain.RecordID {
	seen := make(map[domain.RecordID]bool, len(ids))
	var out []domain.RecordID
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
