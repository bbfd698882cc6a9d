package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dehc/internal/validator"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// Engine is the record store. It validates mutations against the schema,
// keeps reciprocal lists in step, persists through the storage collaborator
// and derives sum, count and read values on every read.
type Engine struct {
	registry *schema.Registry
	storage  domain.Storage
	reads    domain.ReadSource
	rules    *domain.RulesEngine
	logger   Logger
	clock    Clock
	readOnly bool
	locks    *lockTable

	mu      sync.RWMutex
	records map[domain.RecordID]domain.Record
	// refs maps a record to the records whose record lists contain it.
	refs map[domain.RecordID]map[domain.RecordID]struct{}
}

// Open builds an engine over storage, loads every record of the registry's
// categories and repairs broken or one-sided links left in storage.
func Open(ctx context.Context, reg *schema.Registry, storage domain.Storage, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("core: registry is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("core: storage is required")
	}
	o := applyOptions(opts)
	e := &Engine{
		registry: reg,
		storage:  storage,
		reads:    o.reads,
		rules:    o.rules,
		logger:   o.logger,
		clock:    o.clock,
		readOnly: o.readOnly,
		locks:    newLockTable(),
		records:  make(map[domain.RecordID]domain.Record),
		refs:     make(map[domain.RecordID]map[domain.RecordID]struct{}),
	}
	if err := e.hydrate(ctx); err != nil {
		return nil, err
	}
	if err := e.repair(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the schema registry the engine validates against.
func (e *Engine) Registry() *schema.Registry { return e.registry }

// ReadOnly reports whether mutations are rejected.
func (e *Engine) ReadOnly() bool { return e.readOnly }

func (e *Engine) hydrate(ctx context.Context) error {
	for _, category := range e.registry.Categories() {
		keys, err := e.storage.ListKeys(ctx, category)
		if err != nil {
			return &domain.CollaboratorError{Collaborator: "storage", Op: "list " + category, Err: err}
		}
		for _, key := range keys {
			rec, ok, err := e.storage.Get(ctx, category, key)
			if err != nil {
				return &domain.CollaboratorError{Collaborator: "storage", Op: "get " + category + "/" + key, Err: err}
			}
			if !ok {
				continue
			}
			rec.Category, rec.Key = category, key
			e.records[rec.ID()] = rec.Stored()
		}
	}
	for _, rec := range e.records {
		e.index(rec)
	}
	e.logger.Info("records loaded", "count", len(e.records))
	return nil
}

func (e *Engine) committed(id domain.RecordID) (domain.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	if !ok {
		return domain.Record{}, false
	}
	return rec.Clone(), true
}

// withRecordLock runs fn holding the write lock of one record, so fn sees
// the record neither deleted nor relocked underneath it.
func (e *Engine) withRecordLock(id domain.RecordID, fn func() error) error {
	held := e.locks.acquire([]domain.RecordID{id}, true)
	defer held.release()
	return fn()
}

// index and unindex maintain refs; callers hold e.mu for writing.
func (e *Engine) index(rec domain.Record) {
	cs, err := e.registry.SchemaFor(rec.Category)
	if err != nil {
		return
	}
	from := rec.ID()
	for _, lf := range cs.Lists() {
		if !lf.InStore() {
			continue
		}
		for _, key := range rec.Lists[lf.Name] {
			to := domain.RecordID{Category: lf.Category, Key: key}
			set, ok := e.refs[to]
			if !ok {
				set = make(map[domain.RecordID]struct{})
				e.refs[to] = set
			}
			set[from] = struct{}{}
		}
	}
}

func (e *Engine) unindex(rec domain.Record) {
	cs, err := e.registry.SchemaFor(rec.Category)
	if err != nil {
		return
	}
	from := rec.ID()
	for _, lf := range cs.Lists() {
		if !lf.InStore() {
			continue
		}
		for _, key := range rec.Lists[lf.Name] {
			to := domain.RecordID{Category: lf.Category, Key: key}
			if set, ok := e.refs[to]; ok {
				delete(set, from)
				if len(set) == 0 {
					delete(e.refs, to)
				}
			}
		}
	}
}

// referrersLocked lists records referencing id in lock order. Callers hold e.mu.
func (e *Engine) referrersLocked(id domain.RecordID) []domain.RecordID {
	set := e.refs[id]
	out := make([]domain.RecordID, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	domain.SortRecordIDs(out)
	return out
}

func (e *Engine) referrers(id domain.RecordID) []domain.RecordID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.referrersLocked(id)
}

// Keys returns the keys of a category in ascending order.
func (e *Engine) Keys(category string) ([]string, error) {
	if _, err := e.registry.SchemaFor(category); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []string
	for id := range e.records {
		if id.Category == category {
			keys = append(keys, id.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of committed records.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Create validates values, assigns the key and stores a new record. Record
// lists with a reciprocal field update the referenced records in the same
// mutation.
func (e *Engine) Create(ctx context.Context, category string, values map[string]any) (domain.Record, domain.Result, error) {
	cs, err := e.registry.SchemaFor(category)
	if err != nil {
		return domain.Record{}, domain.Result{}, err
	}
	key, err := e.keyFor(cs, values)
	if err != nil {
		return domain.Record{}, domain.Result{}, err
	}
	id := domain.RecordID{Category: category, Key: key}
	plan := append([]domain.RecordID{id}, listTargets(cs, values)...)

	var created domain.Record
	res, err := e.mutate(ctx, plan, func(tx *txn) error {
		_, exists, err := tx.get(id)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", domain.ErrRecordKeyConflict, id)
		}
		rec := domain.Record{
			Category:  category,
			Key:       key,
			Fields:    map[string]string{},
			Lists:     map[string][]string{},
			Locks:     map[string]bool{},
			CreatedAt: tx.now,
			UpdatedAt: tx.now,
		}
		applyDefaults(cs, &rec)
		if err := tx.apply(cs, &rec, values, true); err != nil {
			return err
		}
		if err := checkRequired(cs, rec); err != nil {
			return err
		}
		tx.stage(rec)
		created = rec
		return nil
	})
	if err != nil {
		return domain.Record{}, res, err
	}
	created.Revision = 1
	return created, res, nil
}

// Update applies values to an existing record. A locked record accepts only
// an update that sets its lock fields back to false.
func (e *Engine) Update(ctx context.Context, id domain.RecordID, values map[string]any) (domain.Record, domain.Result, error) {
	cs, err := e.registry.SchemaFor(id.Category)
	if err != nil {
		return domain.Record{}, domain.Result{}, err
	}
	plan := append([]domain.RecordID{id}, listTargets(cs, values)...)
	if current, ok := e.committed(id); ok {
		plan = append(plan, currentTargets(cs, current, values)...)
	}

	var updated domain.Record
	res, err := e.mutate(ctx, plan, func(tx *txn) error {
		rec, ok, err := tx.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		if rec.Locked() && !unlocksOnly(cs, values) {
			return domain.Locked(id)
		}
		if err := tx.apply(cs, &rec, values, false); err != nil {
			return err
		}
		if err := checkRequired(cs, rec); err != nil {
			return err
		}
		rec.UpdatedAt = tx.now
		tx.stage(rec)
		updated = rec
		return nil
	})
	if err != nil {
		return domain.Record{}, res, err
	}
	updated.Revision++
	return updated, res, nil
}

// SetFlags replaces the asserted status flags. Flags may be given by code or
// in their "<code>-<label>" form and are kept in declaration order.
func (e *Engine) SetFlags(ctx context.Context, id domain.RecordID, flags []string) (domain.Record, domain.Result, error) {
	cs, err := e.registry.SchemaFor(id.Category)
	if err != nil {
		return domain.Record{}, domain.Result{}, err
	}
	asserted := make(map[string]bool, len(flags))
	for _, raw := range flags {
		f, ok := cs.Flag(raw)
		if !ok {
			return domain.Record{}, domain.Result{}, domain.NewValidationError(domain.ErrUnknownFlag, id.Category, "flags", raw, "")
		}
		asserted[f.Code] = true
	}
	codes := make([]string, 0, len(asserted))
	for _, f := range cs.Flags {
		if asserted[f.Code] {
			codes = append(codes, f.Code)
		}
	}

	var updated domain.Record
	res, err := e.mutate(ctx, []domain.RecordID{id}, func(tx *txn) error {
		rec, ok, err := tx.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		if rec.Locked() {
			return domain.Locked(id)
		}
		rec.Flags = codes
		rec.UpdatedAt = tx.now
		tx.stage(rec)
		updated = rec
		return nil
	})
	if err != nil {
		return domain.Record{}, res, err
	}
	updated.Revision++
	return updated, res, nil
}

// Delete removes a record after severing every list reference to and from it.
func (e *Engine) Delete(ctx context.Context, id domain.RecordID) (domain.Result, error) {
	return e.delete(ctx, id, nil)
}

// delete removes id; cleanup, when set, runs after the commit before the
// record's lock is released.
func (e *Engine) delete(ctx context.Context, id domain.RecordID, cleanup func()) (domain.Result, error) {
	cs, err := e.registry.SchemaFor(id.Category)
	if err != nil {
		return domain.Result{}, err
	}
	plan := []domain.RecordID{id}
	if current, ok := e.committed(id); ok {
		plan = append(plan, recordTargets(cs, current)...)
	}
	plan = append(plan, e.referrers(id)...)

	return e.mutate(ctx, plan, func(tx *txn) error {
		rec, ok, err := tx.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		if rec.Locked() {
			return domain.Locked(id)
		}
		if err := tx.sever(cs, &rec); err != nil {
			return err
		}
		tx.remove(id)
		if cleanup != nil {
			tx.afterCommit(cleanup)
		}
		return nil
	})
}

// Refresh refetches every read field of a record and caches the values
// that fetched cleanly. Fields whose fetch failed fall back to a live fetch
// on read. A caching read source is invalidated for the record first.
func (e *Engine) Refresh(ctx context.Context, id domain.RecordID) (domain.Record, error) {
	cs, err := e.registry.SchemaFor(id.Category)
	if err != nil {
		return domain.Record{}, err
	}
	inv, _ := e.reads.(domain.ReadInvalidator)
	fetched := make(map[string]float64)
	for _, f := range cs.Fields {
		rf, ok := f.(schema.ReadField)
		if !ok {
			continue
		}
		if inv != nil {
			inv.Invalidate(rf.Source, id.String())
		}
		if v, ok := e.fetchRead(ctx, id, rf); ok {
			fetched[rf.Name] = v
		}
	}

	var updated domain.Record
	_, err = e.mutate(ctx, []domain.RecordID{id}, func(tx *txn) error {
		rec, ok, err := tx.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFound(id)
		}
		if rec.Locked() {
			return domain.Locked(id)
		}
		rec.Reads = make(map[string]float64, len(fetched))
		for name, v := range fetched {
			rec.Reads[name] = v
		}
		rec.UpdatedAt = tx.now
		tx.stage(rec)
		updated = rec
		return nil
	})
	if err != nil {
		return domain.Record{}, err
	}
	updated.Revision++
	return updated, nil
}

// apply validates values and writes them into rec. Names are processed in
// sorted order so errors are deterministic.
func (tx *txn) apply(cs *schema.CategorySchema, rec *domain.Record, values map[string]any, creating bool) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := values[name]
		f, ok := cs.Field(name)
		if !ok {
			return domain.NewValidationError(domain.ErrUnknownField, cs.Name, name, raw, "")
		}
		v, err := validator.Validate(cs.Name, f, raw, tx)
		if err != nil {
			return err
		}
		if err := tx.checkPlan(); err != nil {
			return err
		}
		switch f := f.(type) {
		case schema.TextField, schema.MultiTextField, schema.OptionField:
			s := v.(string)
			if !creating && cs.IsKey(name) && s != rec.Fields[name] {
				return domain.NewValidationError(domain.ErrImmutableField, cs.Name, name, raw, "key fields cannot change")
			}
			if rec.Fields == nil {
				rec.Fields = map[string]string{}
			}
			rec.Fields[name] = s
		case schema.ListField:
			if err := tx.setList(rec, f, v.([]string)); err != nil {
				return err
			}
		case schema.LockField:
			if rec.Locks == nil {
				rec.Locks = map[string]bool{}
			}
			rec.Locks[name] = v.(bool)
		}
	}
	return nil
}

func (e *Engine) keyFor(cs *schema.CategorySchema, values map[string]any) (string, error) {
	if cs.GeneratedKeys() {
		return uuid.NewString(), nil
	}
	parts := make([]string, 0, len(cs.Keys))
	for _, name := range cs.Keys {
		f, _ := cs.Field(name)
		raw, ok := values[name]
		if !ok {
			raw = defaultOf(f)
		}
		v, err := validator.Validate(cs.Name, f, raw, nil)
		if err != nil {
			return "", err
		}
		s := v.(string)
		if s == "" {
			return "", domain.NewValidationError(domain.ErrRequiredFieldMissing, cs.Name, name, raw, "key field")
		}
		// ("A, B", "C") and ("A", "B, C") would join to the same key.
		if len(cs.Keys) > 1 && strings.Contains(s, domain.KeySeparator) {
			return "", domain.NewValidationError(domain.ErrKeySeparator, cs.Name, name, raw, fmt.Sprintf("compound key parts cannot contain %q", domain.KeySeparator))
		}
		parts = append(parts, s)
	}
	return domain.JoinKey(parts), nil
}

func defaultOf(f schema.Field) any {
	switch f := f.(type) {
	case schema.TextField:
		return f.Default
	case schema.MultiTextField:
		return f.Default
	case schema.OptionField:
		return f.Default
	}
	return nil
}

func applyDefaults(cs *schema.CategorySchema, rec *domain.Record) {
	for _, f := range cs.Fields {
		switch f := f.(type) {
		case schema.TextField:
			rec.Fields[f.Name] = f.Default
		case schema.MultiTextField:
			rec.Fields[f.Name] = f.Default
		case schema.OptionField:
			rec.Fields[f.Name] = f.Default
		case schema.LockField:
			rec.Locks[f.Name] = false
		}
	}
}

func checkRequired(cs *schema.CategorySchema, rec domain.Record) error {
	for _, f := range cs.Fields {
		if !schema.IsRequired(f) {
			continue
		}
		if _, isList := f.(schema.ListField); isList {
			if len(rec.Lists[f.FieldName()]) == 0 {
				return domain.NewValidationError(domain.ErrRequiredFieldMissing, cs.Name, f.FieldName(), nil, "")
			}
			continue
		}
		if rec.Fields[f.FieldName()] == "" {
			return domain.NewValidationError(domain.ErrRequiredFieldMissing, cs.Name, f.FieldName(), nil, "")
		}
	}
	return nil
}

// unlocksOnly reports whether values only clears lock fields.
func unlocksOnly(cs *schema.CategorySchema, values map[string]any) bool {
	if len(values) == 0 {
		return false
	}
	for name, raw := range values {
		f, ok := cs.Field(name)
		if !ok {
			return false
		}
		if _, isLock := f.(schema.LockField); !isLock {
			return false
		}
		if b, ok := validator.CoerceBool(raw); !ok || b {
			return false
		}
	}
	return true
}

// listTargets returns the records named by record lists in values. Values
// that fail to coerce are skipped; validation reports them later.
func listTargets(cs *schema.CategorySchema, values map[string]any) []domain.RecordID {
	var out []domain.RecordID
	for name, raw := range values {
		f, ok := cs.Field(name)
		if !ok {
			continue
		}
		lf, ok := f.(schema.ListField)
		if !ok || !lf.InStore() {
			continue
		}
		keys, err := validator.CoerceList(raw)
		if err != nil {
			continue
		}
		for _, k := range keys {
			out = append(out, domain.RecordID{Category: lf.Category, Key: k})
		}
	}
	return out
}

// currentTargets returns the records the current values of the lists being
// replaced point at.
func currentTargets(cs *schema.CategorySchema, rec domain.Record, values map[string]any) []domain.RecordID {
	var out []domain.RecordID
	for _, lf := range cs.Lists() {
		if _, touched := values[lf.Name]; !touched || !lf.InStore() {
			continue
		}
		for _, k := range rec.Lists[lf.Name] {
			out = append(out, domain.RecordID{Category: lf.Category, Key: k})
		}
	}
	return out
}

func recordTargets(cs *schema.CategorySchema, rec domain.Record) []domain.RecordID {
	var out []domain.RecordID
	for _, lf := range cs.Lists() {
		if !lf.InStore() {
			continue
		}
		for _, k := range rec.Lists[lf.Name] {
			out = append(out, domain.RecordID{Category: lf.Category, Key: k})
		}
	}
	return out
}

// Export returns a copy of every committed record in lock order.
func (e *Engine) Export() []domain.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]domain.RecordID, 0, len(e.records))
	for id := range e.records {
		ids = append(ids, id)
	}
	domain.SortRecordIDs(ids)
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		out[i] = e.records[id].Clone()
	}
	return out
}
