package core

import (
	"context"
	"fmt"
	"slices"

	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

const reciprocityRuleName = "reciprocity"

// NewReciprocityRule returns the in-transaction rule that blocks a commit
// leaving any reciprocal list pair one-sided.
func NewReciprocityRule(reg *schema.Registry) domain.Rule {
	return reciprocityRule{registry: reg}
}

type reciprocityRule struct {
	registry *schema.Registry
}

func (reciprocityRule) Name() string { return reciprocityRuleName }

func (r reciprocityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	block := func(id domain.RecordID, format string, args ...any) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     reciprocityRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf(format, args...),
			Record:   id,
		})
	}
	for _, change := range changes {
		cs, err := r.registry.SchemaFor(change.Record.Category)
		if err != nil {
			return domain.Result{}, err
		}
		for _, lf := range cs.Lists() {
			if !lf.Reciprocal() {
				continue
			}
			var after []string
			if change.After != nil {
				after = change.After.Lists[lf.Name]
			}
			for _, key := range after {
				target := domain.RecordID{Category: lf.Category, Key: key}
				partner, ok := view.FindRecord(target)
				if !ok {
					block(change.Record, "%s.%s references missing %s", change.Record, lf.Name, target)
					continue
				}
				if !slices.Contains(partner.Lists[lf.ChildField], change.Record.Key) {
					block(change.Record, "%s.%s lists %s but %s.%s does not list it back", change.Record, lf.Name, target, target, lf.ChildField)
				}
			}
			if change.Before == nil {
				continue
			}
			for _, key := range change.Before.Lists[lf.Name] {
				if slices.Contains(after, key) {
					continue
				}
				target := domain.RecordID{Category: lf.Category, Key: key}
				partner, ok := view.FindRecord(target)
				if ok && slices.Contains(partner.Lists[lf.ChildField], change.Record.Key) {
					block(change.Record, "%s.%s dropped %s but %s.%s still lists it", change.Record, lf.Name, target, target, lf.ChildField)
				}
			}
		}
	}
	return res, nil
}
