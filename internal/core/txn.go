package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dehc/pkg/domain"
)

// errReplan signals that a transaction touched a record outside its lock set.
// The mutation is retried with the larger set.
var errReplan = errors.New("core: lock set incomplete")

const maxReplans = 8

// txn stages record changes under a set of held write locks. Nothing reaches
// storage or the committed state until finish succeeds.
type txn struct {
	e       *Engine
	locks   *heldLocks
	now     time.Time
	staged  map[domain.RecordID]*domain.Record // nil value marks a deletion
	before  map[domain.RecordID]*domain.Record // committed value at first touch
	order   []domain.RecordID
	missing []domain.RecordID
	hooks   []func()
}

// afterCommit runs fn once the transaction has committed, while its record
// locks are still held.
func (tx *txn) afterCommit(fn func()) { tx.hooks = append(tx.hooks, fn) }

func newTxn(e *Engine, locks *heldLocks) *txn {
	return &txn{
		e:      e,
		locks:  locks,
		now:    e.clock.Now(),
		staged: make(map[domain.RecordID]*domain.Record),
		before: make(map[domain.RecordID]*domain.Record),
	}
}

func (tx *txn) need(id domain.RecordID) bool {
	if tx.locks.covers(id) {
		return true
	}
	tx.missing = append(tx.missing, id)
	return false
}

// get returns the staged or committed record.
func (tx *txn) get(id domain.RecordID) (domain.Record, bool, error) {
	if !tx.need(id) {
		return domain.Record{}, false, errReplan
	}
	if rec, ok := tx.staged[id]; ok {
		if rec == nil {
			return domain.Record{}, false, nil
		}
		return rec.Clone(), true, nil
	}
	rec, ok := tx.e.committed(id)
	return rec, ok, nil
}

// Exists resolves list references for the validator. An unlocked id is
// reported present and recorded so the plan check forces a retry.
func (tx *txn) Exists(id domain.RecordID) bool {
	if !tx.need(id) {
		return true
	}
	if rec, ok := tx.staged[id]; ok {
		return rec != nil
	}
	_, ok := tx.e.committed(id)
	return ok
}

func (tx *txn) checkPlan() error {
	if len(tx.missing) > 0 {
		return errReplan
	}
	return nil
}

func (tx *txn) touch(id domain.RecordID) {
	if _, seen := tx.before[id]; seen {
		return
	}
	if prev, ok := tx.e.committed(id); ok {
		tx.before[id] = &prev
	} else {
		tx.before[id] = nil
	}
	tx.order = append(tx.order, id)
}

func (tx *txn) stage(rec domain.Record) {
	id := rec.ID()
	tx.touch(id)
	cp := rec.Clone()
	tx.staged[id] = &cp
}

func (tx *txn) remove(id domain.RecordID) {
	tx.touch(id)
	tx.staged[id] = nil
}

// FindRecord implements domain.RuleView over the staged state.
func (tx *txn) FindRecord(id domain.RecordID) (domain.Record, bool) {
	if rec, ok := tx.staged[id]; ok {
		if rec == nil {
			return domain.Record{}, false
		}
		return rec.Clone(), true
	}
	return tx.e.committed(id)
}

func (tx *txn) changes() []domain.Change {
	out := make([]domain.Change, 0, len(tx.order))
	for _, id := range tx.order {
		before, after := tx.before[id], tx.staged[id]
		change := domain.Change{Record: id, Before: before, After: after}
		switch {
		case before == nil:
			change.Action = domain.ActionCreate
		case after == nil:
			change.Action = domain.ActionDelete
		default:
			change.Action = domain.ActionUpdate
		}
		out = append(out, change)
	}
	return out
}

// mutate runs fn under write locks on the planned ids, growing the plan
// whenever fn reaches outside it, then evaluates rules, persists and commits.
func (e *Engine) mutate(ctx context.Context, plan []domain.RecordID, fn func(tx *txn) error) (domain.Result, error) {
	if e.readOnly {
		return domain.Result{}, domain.ErrReadOnly
	}
	ids := plan
	for attempt := 0; ; attempt++ {
		held := e.locks.acquire(ids, true)
		tx := newTxn(e, held)
		err := fn(tx)
		if err == nil {
			err = tx.checkPlan()
		}
		if errors.Is(err, errReplan) || (err != nil && len(tx.missing) > 0) {
			held.release()
			if attempt >= maxReplans {
				return domain.Result{}, fmt.Errorf("core: lock plan did not converge for %v", plan)
			}
			ids = append(append([]domain.RecordID(nil), ids...), tx.missing...)
			continue
		}
		if err != nil {
			held.release()
			return domain.Result{}, err
		}
		res, err := e.finish(ctx, tx)
		if err == nil {
			for _, fn := range tx.hooks {
				fn()
			}
		}
		held.release()
		return res, err
	}
}

func (e *Engine) finish(ctx context.Context, tx *txn) (domain.Result, error) {
	var result domain.Result
	if e.rules != nil {
		res, err := e.rules.Evaluate(ctx, tx, tx.changes())
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if err := e.persist(ctx, tx); err != nil {
		return domain.Result{}, err
	}
	e.commit(tx)
	return result, nil
}

// persist writes every staged record in lock order. On failure the records
// already written are restored and the mutation fails as a unit.
func (e *Engine) persist(ctx context.Context, tx *txn) error {
	order := append([]domain.RecordID(nil), tx.order...)
	domain.SortRecordIDs(order)
	var written []domain.RecordID
	for _, id := range order {
		before, after := tx.before[id], tx.staged[id]
		var err error
		op := "put"
		switch {
		case after == nil && before == nil:
			continue
		case after == nil:
			op = "delete"
			err = e.storage.Delete(ctx, id.Category, id.Key)
		default:
			after.Revision = 1
			if before != nil {
				after.Revision = before.Revision + 1
			}
			after.Numbers, after.Defaulted = nil, nil
			err = e.storage.Put(ctx, id.Category, id.Key, *after)
		}
		if err != nil {
			e.rollback(ctx, tx, written)
			return &domain.CollaboratorError{Collaborator: "storage", Op: op + " " + id.String(), Err: err}
		}
		written = append(written, id)
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, tx *txn, written []domain.RecordID) {
	restored := make(map[domain.RecordID]uint64)
	for i := len(written) - 1; i >= 0; i-- {
		id := written[i]
		before, after := tx.before[id], tx.staged[id]
		var err error
		switch {
		case before == nil:
			err = e.storage.Delete(ctx, id.Category, id.Key)
			if errors.Is(err, domain.ErrStorageNotFound) {
				err = nil
			}
		case after == nil:
			err = e.storage.Put(ctx, id.Category, id.Key, before.Stored())
		default:
			rec := before.Stored()
			rec.Revision = after.Revision + 1
			if err = e.storage.Put(ctx, id.Category, id.Key, rec); err == nil {
				restored[id] = rec.Revision
			}
		}
		if err != nil {
			e.logger.Error("rollback failed", "record", id.String(), "error", err)
		}
	}
	if len(restored) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, rev := range restored {
		if rec, ok := e.records[id]; ok {
			rec.Revision = rev
			e.records[id] = rec
		}
	}
}

func (e *Engine) commit(tx *txn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range tx.order {
		if old, ok := e.records[id]; ok {
			e.unindex(old)
		}
		after := tx.staged[id]
		if after == nil {
			delete(e.records, id)
			continue
		}
		rec := after.Stored()
		e.records[id] = rec
		e.index(rec)
	}
}
