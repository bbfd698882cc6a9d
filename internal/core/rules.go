package core

import (
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine(reg *schema.Registry) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewReciprocityRule(reg))
	return engine
}
