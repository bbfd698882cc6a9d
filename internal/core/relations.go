package core

import (
	"context"
	"slices"

	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// setList replaces a list field of rec. For reciprocal lists the removed
// targets drop rec's key from their partner field and the added targets gain
// it, all staged in the same transaction.
func (tx *txn) setList(rec *domain.Record, f schema.ListField, keys []string) error {
	if rec.Lists == nil {
		rec.Lists = map[string][]string{}
	}
	old := rec.Lists[f.Name]
	rec.Lists[f.Name] = append([]string{}, keys...)
	if !f.Reciprocal() {
		return nil
	}
	added, removed := diffKeys(old, keys)
	for _, key := range removed {
		if err := tx.unlink(rec, f, key); err != nil {
			return err
		}
	}
	for _, key := range added {
		if err := tx.link(rec, f, key); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txn) unlink(rec *domain.Record, f schema.ListField, key string) error {
	target := domain.RecordID{Category: f.Category, Key: key}
	if target == rec.ID() {
		rec.Lists[f.ChildField] = without(rec.Lists[f.ChildField], rec.Key)
		return nil
	}
	partner, ok, err := tx.get(target)
	if err != nil {
		return err
	}
	if !ok {
		tx.e.logger.Warn("reciprocal target missing",
			"error", domain.ErrBrokenLinkTarget,
			"record", rec.ID().String(),
			"field", f.Name,
			"target", target.String())
		return nil
	}
	return tx.updatePartner(partner, f.ChildField, without(partner.Lists[f.ChildField], rec.Key))
}

func (tx *txn) link(rec *domain.Record, f schema.ListField, key string) error {
	target := domain.RecordID{Category: f.Category, Key: key}
	if target == rec.ID() {
		if !slices.Contains(rec.Lists[f.ChildField], rec.Key) {
			rec.Lists[f.ChildField] = append(rec.Lists[f.ChildField], rec.Key)
		}
		return nil
	}
	partner, ok, err := tx.get(target)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewValidationError(domain.ErrDanglingReference, rec.Category, f.Name, key, target.String())
	}
	if slices.Contains(partner.Lists[f.ChildField], rec.Key) {
		return nil
	}
	return tx.updatePartner(partner, f.ChildField, append(append([]string{}, partner.Lists[f.ChildField]...), rec.Key))
}

// updatePartner writes a list of a record other than the one being mutated.
// Locked partners and required lists that would empty fail the mutation.
func (tx *txn) updatePartner(partner domain.Record, field string, keys []string) error {
	if slices.Equal(partner.Lists[field], keys) {
		return nil
	}
	if partner.Locked() {
		return domain.Locked(partner.ID())
	}
	cs, err := tx.e.registry.SchemaFor(partner.Category)
	if err != nil {
		return err
	}
	if f, ok := cs.Field(field); ok && schema.IsRequired(f) && len(keys) == 0 {
		return domain.NewValidationError(domain.ErrRequiredFieldMissing, partner.Category, field, nil, "would be left empty on "+partner.ID().String())
	}
	if partner.Lists == nil {
		partner.Lists = map[string][]string{}
	}
	partner.Lists[field] = keys
	partner.UpdatedAt = tx.now
	tx.stage(partner)
	return nil
}

// sever clears every reference to and from rec ahead of its deletion:
// reciprocal lists run the removal path, then any remaining record list
// that still names rec drops the key.
func (tx *txn) sever(cs *schema.CategorySchema, rec *domain.Record) error {
	for _, lf := range cs.Lists() {
		if !lf.Reciprocal() || len(rec.Lists[lf.Name]) == 0 {
			continue
		}
		if err := tx.setList(rec, lf, nil); err != nil {
			return err
		}
	}
	id := rec.ID()
	for _, refID := range tx.e.referrers(id) {
		if refID == id {
			continue
		}
		ref, ok, err := tx.get(refID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		refSchema, err := tx.e.registry.SchemaFor(refID.Category)
		if err != nil {
			return err
		}
		for _, lf := range refSchema.Lists() {
			if !lf.InStore() || lf.Category != id.Category || !slices.Contains(ref.Lists[lf.Name], id.Key) {
				continue
			}
			if err := tx.updatePartner(ref, lf.Name, without(ref.Lists[lf.Name], id.Key)); err != nil {
				return err
			}
			ref, _, _ = tx.get(refID)
		}
	}
	return nil
}

// repair fixes links left inconsistent in storage: references to missing
// records are dropped and one-sided reciprocal pairs are completed. Each
// repaired record is persisted with a new revision.
func (e *Engine) repair(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]domain.RecordID, 0, len(e.records))
	for id := range e.records {
		ids = append(ids, id)
	}
	domain.SortRecordIDs(ids)

	dirty := make(map[domain.RecordID]bool)
	for _, id := range ids {
		rec := e.records[id]
		cs, err := e.registry.SchemaFor(id.Category)
		if err != nil {
			continue
		}
		for _, lf := range cs.Lists() {
			if !lf.InStore() {
				continue
			}
			for _, key := range rec.Lists[lf.Name] {
				target := domain.RecordID{Category: lf.Category, Key: key}
				partner, ok := e.records[target]
				if !ok {
					e.logger.Warn("dropping dangling reference",
						"error", domain.ErrBrokenLinkTarget,
						"record", id.String(), "field", lf.Name, "target", target.String())
					rec = e.records[id]
					rec.Lists[lf.Name] = without(rec.Lists[lf.Name], key)
					e.records[id] = rec
					dirty[id] = true
					continue
				}
				if !lf.Reciprocal() || slices.Contains(partner.Lists[lf.ChildField], id.Key) {
					continue
				}
				e.logger.Warn("restoring reciprocal reference",
					"error", domain.ErrBrokenLinkTarget,
					"record", target.String(), "field", lf.ChildField, "target", id.String())
				if partner.Lists == nil {
					partner.Lists = map[string][]string{}
				}
				partner.Lists[lf.ChildField] = append(partner.Lists[lf.ChildField], id.Key)
				e.records[target] = partner
				dirty[target] = true
			}
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if e.readOnly {
		e.logger.Warn("read-only: link repairs kept in memory only", "records", len(dirty))
	}
	for _, id := range ids {
		if !dirty[id] {
			continue
		}
		rec := e.records[id]
		rec.Revision++
		if !e.readOnly {
			if err := e.storage.Put(ctx, id.Category, id.Key, rec); err != nil {
				return &domain.CollaboratorError{Collaborator: "storage", Op: "put " + id.String(), Err: err}
			}
		}
		e.records[id] = rec
	}
	e.refs = make(map[domain.RecordID]map[domain.RecordID]struct{})
	for _, rec := range e.records {
		e.index(rec)
	}
	e.logger.Info("link repair complete", "records", len(dirty))
	return nil
}

// diffKeys returns the keys of next missing from prev and those of prev
// missing from next, each in their original order.
func diffKeys(prev, next []string) (added, removed []string) {
	for _, k := range next {
		if !slices.Contains(prev, k) {
			added = append(added, k)
		}
	}
	for _, k := range prev {
		if !slices.Contains(next, k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}

func without(list []string, key string) []string {
	out := make([]string, 0, len(list))
	for _, k := range list {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
