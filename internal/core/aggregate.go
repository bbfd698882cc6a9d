package core

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// snapshot is a consistent copy of a set of committed records together with
// the reference edges between them.
type snapshot struct {
	records map[domain.RecordID]domain.Record
	refs    map[domain.RecordID][]domain.RecordID
}

// closureLocked returns roots plus every record they transitively contain.
// A record contains the referrers whose category one of its sum or count
// fields aggregates; reciprocal back-references to containers are not
// followed. Callers hold e.mu.
func (e *Engine) closureLocked(roots []domain.RecordID) []domain.RecordID {
	seen := make(map[domain.RecordID]struct{}, len(roots))
	queue := append([]domain.RecordID(nil), roots...)
	var out []domain.RecordID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		for ref := range e.refs[id] {
			if e.registry.Contains(id.Category, ref.Category) {
				queue = append(queue, ref)
			}
		}
	}
	domain.SortRecordIDs(out)
	return out
}

// view takes read locks on roots and their aggregation sources and copies
// them out. The plan is recomputed once the locks are held and widened if a
// concurrent mutation added sources.
func (e *Engine) view(roots []domain.RecordID) snapshot {
	e.mu.RLock()
	ids := e.closureLocked(roots)
	e.mu.RUnlock()
	for attempt := 0; ; attempt++ {
		held := e.locks.acquire(ids, false)
		e.mu.RLock()
		current := e.closureLocked(roots)
		grew := false
		for _, id := range current {
			if !held.covers(id) {
				grew = true
				break
			}
		}
		if grew && attempt < maxReplans {
			e.mu.RUnlock()
			held.release()
			ids = current
			continue
		}
		snap := snapshot{
			records: make(map[domain.RecordID]domain.Record, len(current)),
			refs:    make(map[domain.RecordID][]domain.RecordID, len(current)),
		}
		for _, id := range current {
			if rec, ok := e.records[id]; ok {
				snap.records[id] = rec.Clone()
			}
			if refs := e.referrersLocked(id); len(refs) > 0 {
				snap.refs[id] = refs
			}
		}
		e.mu.RUnlock()
		held.release()
		return snap
	}
}

// Get returns a record with its derived values populated.
func (e *Engine) Get(ctx context.Context, id domain.RecordID) (domain.Record, error) {
	if _, err := e.registry.SchemaFor(id.Category); err != nil {
		return domain.Record{}, err
	}
	snap := e.view([]domain.RecordID{id})
	rec, ok := snap.records[id]
	if !ok {
		return domain.Record{}, domain.NotFound(id)
	}
	d := e.newDeriver(ctx, snap)
	return d.populate(rec), nil
}

// List returns every record of a category, ordered by key, with derived
// values populated.
func (e *Engine) List(ctx context.Context, category string) ([]domain.Record, error) {
	keys, err := e.Keys(category)
	if err != nil {
		return nil, err
	}
	roots := make([]domain.RecordID, len(keys))
	for i, k := range keys {
		roots[i] = domain.RecordID{Category: category, Key: k}
	}
	snap := e.view(roots)
	d := e.newDeriver(ctx, snap)
	out := make([]domain.Record, 0, len(roots))
	for _, id := range roots {
		if rec, ok := snap.records[id]; ok {
			out = append(out, d.populate(rec))
		}
	}
	return out, nil
}

// View returns several records read from one consistent snapshot, in the
// order requested. Any missing record fails the whole view.
func (e *Engine) View(ctx context.Context, ids []domain.RecordID) ([]domain.Record, error) {
	for _, id := range ids {
		if _, err := e.registry.SchemaFor(id.Category); err != nil {
			return nil, err
		}
	}
	snap := e.view(ids)
	d := e.newDeriver(ctx, snap)
	out := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := snap.records[id]
		if !ok {
			return nil, domain.NotFound(id)
		}
		out = append(out, d.populate(rec))
	}
	return out, nil
}

// Value returns one field value of a record, derived fields included.
func (e *Engine) Value(ctx context.Context, id domain.RecordID, field string) (any, error) {
	cs, err := e.registry.SchemaFor(id.Category)
	if err != nil {
		return nil, err
	}
	if _, ok := cs.Field(field); !ok {
		return nil, domain.NewValidationError(domain.ErrUnknownField, id.Category, field, nil, "")
	}
	rec, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	v, _ := rec.Value(field)
	return v, nil
}

// FlagSummary concatenates the distinct flag codes asserted on a record and
// on every record it transitively contains, in category then declaration
// order.
func (e *Engine) FlagSummary(ctx context.Context, id domain.RecordID) (string, error) {
	if _, err := e.registry.SchemaFor(id.Category); err != nil {
		return "", err
	}
	snap := e.view([]domain.RecordID{id})
	if _, ok := snap.records[id]; !ok {
		return "", domain.NotFound(id)
	}
	asserted := make(map[string]bool)
	for _, rec := range snap.records {
		for _, code := range rec.Flags {
			asserted[code] = true
		}
	}
	var b strings.Builder
	written := make(map[string]bool)
	for _, category := range e.registry.Categories() {
		cs, _ := e.registry.SchemaFor(category)
		for _, f := range cs.Flags {
			if asserted[f.Code] && !written[f.Code] {
				b.WriteString(f.Code)
				written[f.Code] = true
			}
		}
	}
	return b.String(), nil
}

// Members returns the records of the given categories that id transitively
// contains, in lock order.
func (e *Engine) Members(_ context.Context, id domain.RecordID, categories []string) ([]domain.RecordID, error) {
	if _, err := e.registry.SchemaFor(id.Category); err != nil {
		return nil, err
	}
	snap := e.view([]domain.RecordID{id})
	if _, ok := snap.records[id]; !ok {
		return nil, domain.NotFound(id)
	}
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	var out []domain.RecordID
	for rid := range snap.records {
		if rid != id && want[rid.Category] {
			out = append(out, rid)
		}
	}
	domain.SortRecordIDs(out)
	return out, nil
}

type fieldRef struct {
	id    domain.RecordID
	field string
}

type number struct {
	value     float64
	defaulted bool
}

// deriver computes read, sum and count values over a snapshot. Results are
// memoized per record field. Load rejects cyclic sum targets, so the
// visiting guard only trips on a registry built some other way.
type deriver struct {
	e        *Engine
	ctx      context.Context
	snap     snapshot
	memo     map[fieldRef]number
	visiting map[fieldRef]bool
}

func (e *Engine) newDeriver(ctx context.Context, snap snapshot) *deriver {
	return &deriver{
		e:        e,
		ctx:      ctx,
		snap:     snap,
		memo:     make(map[fieldRef]number),
		visiting: make(map[fieldRef]bool),
	}
}

func (d *deriver) populate(rec domain.Record) domain.Record {
	cs, err := d.e.registry.SchemaFor(rec.Category)
	if err != nil {
		return rec
	}
	for _, f := range cs.Fields {
		if !schema.IsDerived(f) {
			continue
		}
		n := d.number(rec.ID(), f)
		if rec.Numbers == nil {
			rec.Numbers = make(map[string]float64)
		}
		rec.Numbers[f.FieldName()] = n.value
		if n.defaulted {
			if rec.Defaulted == nil {
				rec.Defaulted = make(map[string]bool)
			}
			rec.Defaulted[f.FieldName()] = true
		}
	}
	return rec
}

func (d *deriver) number(id domain.RecordID, f schema.Field) number {
	ref := fieldRef{id: id, field: f.FieldName()}
	if n, ok := d.memo[ref]; ok {
		return n
	}
	if d.visiting[ref] {
		d.e.logger.Warn("aggregation cycle", "record", id.String(), "field", f.FieldName())
		return number{}
	}
	d.visiting[ref] = true
	defer delete(d.visiting, ref)

	rec := d.snap.records[id]
	var n number
	switch f := f.(type) {
	case schema.ReadField:
		n = d.read(rec, f)
	case schema.SumField:
		for _, src := range d.sources(id, f.Categories) {
			part := d.target(src, f.Target)
			n.value += part.value
			n.defaulted = n.defaulted || part.defaulted
		}
	case schema.CountField:
		n.value = float64(len(d.sources(id, f.Categories)))
	case schema.TextField:
		n = parseNumber(rec.Fields[f.Name], f.Default)
	}
	d.memo[ref] = n
	return n
}

// target resolves the value a referencing record contributes to a sum.
func (d *deriver) target(id domain.RecordID, name string) number {
	cs, err := d.e.registry.SchemaFor(id.Category)
	if err != nil {
		return number{}
	}
	f, ok := cs.Field(name)
	if !ok {
		return number{}
	}
	return d.number(id, f)
}

// sources lists distinct referencing records of the given categories.
func (d *deriver) sources(id domain.RecordID, categories []string) []domain.RecordID {
	var out []domain.RecordID
	for _, ref := range d.snap.refs[id] {
		for _, c := range categories {
			if ref.Category == c {
				out = append(out, ref)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (d *deriver) read(rec domain.Record, f schema.ReadField) number {
	if v, ok := rec.Reads[f.Name]; ok {
		return number{value: v}
	}
	if v, ok := d.e.fetchRead(d.ctx, rec.ID(), f); ok {
		return number{value: v}
	}
	return number{value: f.Default, defaulted: true}
}

// parseNumber reads a text value as a number. An empty value uses the
// field default and marks the result defaulted; anything unparseable is 0.
func parseNumber(s, dflt string) number {
	defaulted := false
	if strings.TrimSpace(s) == "" {
		if dflt == "" {
			return number{}
		}
		s, defaulted = dflt, true
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return number{defaulted: defaulted}
	}
	return number{value: v, defaulted: defaulted}
}
