package domain

import (
	"context"
	"fmt"
)

// RuleView reads the staged state of a mutation: records it writes shadow
// committed ones, deleted records are absent.
type RuleView interface {
	FindRecord(id RecordID) (Record, bool)
}

// Rule inspects the changes of one mutation before it commits.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// Name returns RuleName.
func (r RuleFunc) Name() string { return r.RuleName }

// Evaluate calls Fn.
func (r RuleFunc) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	return r.Fn(ctx, view, changes)
}

// RulesEngine runs rules in registration order. Configure it before sharing;
// Evaluate is safe for concurrent use once registration is done.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine returns an engine running rules in the given order.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: append([]Rule(nil), rules...)}
}

// Register appends a rule.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Names lists the registered rules.
func (e *RulesEngine) Names() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name()
	}
	return out
}

// Evaluate runs every rule and merges their violations. Violations that do
// not name a rule are attributed to the rule that produced them. The first
// rule error aborts evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		for i := range res.Violations {
			if res.Violations[i].Rule == "" {
				res.Violations[i].Rule = rule.Name()
			}
		}
		combined.Merge(res)
	}
	return combined, nil
}
