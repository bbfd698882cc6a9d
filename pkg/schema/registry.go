// Package schema loads category definitions into an immutable registry of
// typed field definitions.
package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"dehc/pkg/domain"
)

// Flag is a declared status flag, written "<code>-<label>" in definitions.
type Flag struct {
	Code  string
	Label string
}

// CategorySchema is the loaded shape of one category. It is never mutated
// after Load returns.
type CategorySchema struct {
	Name   string
	Fields []Field
	Flags  []Flag
	Keys   []string
	index  map[string]int
}

// Field looks up a field by name.
func (c *CategorySchema) Field(name string) (Field, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.Fields[i], true
}

// Flag resolves a flag given either its code or its "<code>-<label>" form.
func (c *CategorySchema) Flag(s string) (Flag, bool) {
	for _, f := range c.Flags {
		if s == f.Code || s == f.Code+"-"+f.Label {
			return f, true
		}
	}
	return Flag{}, false
}

// GeneratedKeys reports whether records of this category get generated keys.
func (c *CategorySchema) GeneratedKeys() bool { return len(c.Keys) == 0 }

// IsKey reports whether name is one of the key fields.
func (c *CategorySchema) IsKey(name string) bool {
	for _, k := range c.Keys {
		if k == name {
			return true
		}
	}
	return false
}

// Lists returns the list fields in declaration order.
func (c *CategorySchema) Lists() []ListField {
	var out []ListField
	for _, f := range c.Fields {
		if lf, ok := f.(ListField); ok {
			out = append(out, lf)
		}
	}
	return out
}

// Reference names a record-referencing list field.
type Reference struct {
	Category string
	Field    string
}

// Registry holds every category schema. Share it by pointer; it is safe for
// concurrent use because nothing mutates it after Load.
type Registry struct {
	categories  map[string]*CategorySchema
	names       []string
	referrers   map[string][]Reference
	contains    map[string]map[string]bool
	fingerprint string
}

// SchemaFor returns the schema of a category.
func (r *Registry) SchemaFor(category string) (*CategorySchema, error) {
	cs, ok := r.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCategory, category)
	}
	return cs, nil
}

// Categories returns category names in ascending order.
func (r *Registry) Categories() []string {
	return append([]string(nil), r.names...)
}

// Referrers returns the record-referencing list fields that point at target.
func (r *Registry) Referrers(target string) []Reference {
	return append([]Reference(nil), r.referrers[target]...)
}

// Contains reports whether records of parent aggregate referrers of child
// through one of parent's sum or count fields. Containment is what occupancy
// and flag summaries walk down through.
func (r *Registry) Contains(parent, child string) bool { return r.contains[parent][child] }

// Fingerprint is a blake3 digest of the canonical definitions.
func (r *Registry) Fingerprint() string { return r.fingerprint }

// MustLoad is Load for fixtures; it panics on error.
func MustLoad(defs Definitions) *Registry {
	reg, err := Load(defs)
	if err != nil {
		panic(err)
	}
	return reg
}

// Load validates definitions and builds a registry.
func Load(defs Definitions) (*Registry, error) {
	if len(defs) == 0 {
		return nil, &domain.SchemaError{Reason: "no categories defined"}
	}
	reg := &Registry{
		categories: make(map[string]*CategorySchema, len(defs)),
		referrers:  make(map[string][]Reference),
		contains:   make(map[string]map[string]bool),
	}
	for name := range defs {
		reg.names = append(reg.names, name)
	}
	sort.Strings(reg.names)

	for _, name := range reg.names {
		if strings.TrimSpace(name) == "" {
			return nil, &domain.SchemaError{Reason: "empty category name"}
		}
		cs, err := buildCategory(name, defs[name])
		if err != nil {
			return nil, err
		}
		reg.categories[name] = cs
	}
	for _, name := range reg.names {
		if err := reg.link(reg.categories[name]); err != nil {
			return nil, err
		}
	}
	if err := reg.checkSumCycles(); err != nil {
		return nil, err
	}
	for _, name := range reg.names {
		for _, lf := range reg.categories[name].Lists() {
			if lf.InStore() {
				reg.referrers[lf.Category] = append(reg.referrers[lf.Category], Reference{Category: name, Field: lf.Name})
			}
		}
		for _, f := range reg.categories[name].Fields {
			var cats []string
			switch f := f.(type) {
			case SumField:
				cats = f.Categories
			case CountField:
				cats = f.Categories
			}
			for _, c := range cats {
				if reg.contains[name] == nil {
					reg.contains[name] = make(map[string]bool)
				}
				reg.contains[name][c] = true
			}
		}
	}
	fp, err := fingerprint(defs)
	if err != nil {
		return nil, err
	}
	reg.fingerprint = fp
	return reg, nil
}

func buildCategory(name string, def CategoryDefinition) (*CategorySchema, error) {
	cs := &CategorySchema{Name: name, index: make(map[string]int, len(def.Fields))}
	if len(def.Fields) == 0 {
		return nil, &domain.SchemaError{Category: name, Reason: "no fields defined"}
	}
	for _, nf := range def.Fields {
		if strings.TrimSpace(nf.Name) == "" {
			return nil, &domain.SchemaError{Category: name, Reason: "empty field name"}
		}
		if _, dup := cs.index[nf.Name]; dup {
			return nil, &domain.SchemaError{Category: name, Field: nf.Name, Reason: "duplicate field"}
		}
		f, err := buildField(name, nf.Name, nf.FieldDefinition)
		if err != nil {
			return nil, err
		}
		cs.index[nf.Name] = len(cs.Fields)
		cs.Fields = append(cs.Fields, f)
	}

	codes := make(map[string]struct{}, len(def.Flags))
	for _, raw := range def.Flags {
		code, label, ok := strings.Cut(raw, "-")
		code, label = strings.TrimSpace(code), strings.TrimSpace(label)
		if !ok || code == "" || label == "" {
			return nil, &domain.SchemaError{Category: name, Reason: fmt.Sprintf("flag %q is not <code>-<label>", raw)}
		}
		if _, dup := codes[code]; dup {
			return nil, &domain.SchemaError{Category: name, Reason: fmt.Sprintf("duplicate flag code %q", code)}
		}
		codes[code] = struct{}{}
		cs.Flags = append(cs.Flags, Flag{Code: code, Label: label})
	}

	seen := make(map[string]struct{}, len(def.Keys))
	for _, key := range def.Keys {
		f, ok := cs.Field(key)
		if !ok {
			return nil, &domain.SchemaError{Category: name, Field: key, Reason: "key names a nonexistent field"}
		}
		switch f.(type) {
		case TextField, MultiTextField, OptionField:
		default:
			return nil, &domain.SchemaError{Category: name, Field: key, Reason: fmt.Sprintf("%s field cannot be a key", f.Kind())}
		}
		if _, dup := seen[key]; dup {
			return nil, &domain.SchemaError{Category: name, Field: key, Reason: "duplicate key field"}
		}
		seen[key] = struct{}{}
		cs.Keys = append(cs.Keys, key)
	}
	return cs, nil
}

func buildField(category, name string, def FieldDefinition) (Field, error) {
	fail := func(format string, args ...any) error {
		return &domain.SchemaError{Category: category, Field: name, Reason: fmt.Sprintf(format, args...)}
	}
	switch Kind(strings.ToLower(def.Type)) {
	case KindText:
		pat, err := compilePattern(def.Regex)
		if err != nil {
			return nil, fail("invalid regex: %v", err)
		}
		return TextField{Name: name, Required: def.Required, Pattern: pat, Default: string(def.Default)}, nil
	case KindMultiText:
		pat, err := compilePattern(def.Regex)
		if err != nil {
			return nil, fail("invalid regex: %v", err)
		}
		return MultiTextField{Name: name, Required: def.Required, Pattern: pat, Default: string(def.Default)}, nil
	case KindOption:
		dflt := string(def.Default)
		if len(def.Options) == 0 && def.Required && dflt == "" {
			return nil, fail("required option field has no options and no default")
		}
		if dflt != "" && len(def.Options) > 0 && !contains(def.Options, dflt) {
			return nil, fail("default %q is not one of the options", dflt)
		}
		return OptionField{Name: name, Required: def.Required, Options: append([]string(nil), def.Options...), Default: dflt}, nil
	case KindList:
		return buildList(def, name, fail)
	case KindRead:
		if def.Source == "" {
			return nil, fail("read field needs a source")
		}
		var dflt float64
		if def.Default != "" {
			v, err := strconv.ParseFloat(string(def.Default), 64)
			if err != nil {
				return nil, fail("read default %q is not numeric", def.Default)
			}
			dflt = v
		}
		pat, err := compilePattern(def.Regex)
		if err != nil {
			return nil, fail("invalid regex: %v", err)
		}
		return ReadField{Name: name, Source: def.Source, Default: dflt, Pattern: pat}, nil
	case KindSum:
		if len(def.Cat) == 0 {
			return nil, fail("sum field needs source categories")
		}
		if def.Target == "" {
			return nil, fail("sum field needs a target")
		}
		return SumField{Name: name, Categories: append([]string(nil), def.Cat...), Target: def.Target}, nil
	case KindCount:
		if len(def.Cat) == 0 {
			return nil, fail("count field needs source categories")
		}
		return CountField{Name: name, Categories: append([]string(nil), def.Cat...)}, nil
	case KindLock:
		return LockField{Name: name}, nil
	default:
		return nil, fail("unknown field type %q", def.Type)
	}
}

func buildList(def FieldDefinition, name string, fail func(string, ...any) error) (Field, error) {
	source := def.Source
	if source == "" && (len(def.Cat) > 0 || def.ChildCat != "") {
		source = SourceIDS
	}
	if source == "" {
		return nil, fail("list field needs a source")
	}
	lf := ListField{Name: name, Required: def.Required, Source: source}
	if source != SourceIDS {
		if len(def.Cat) > 0 || def.ChildCat != "" || def.ChildField != "" {
			return nil, fail("list sourced from %q cannot reference categories", source)
		}
		return lf, nil
	}
	target := def.ChildCat
	switch {
	case len(def.Cat) > 1:
		return nil, fail("list field references a single category")
	case len(def.Cat) == 1 && target != "" && target != def.Cat[0]:
		return nil, fail("cat %q and childcat %q disagree", def.Cat[0], target)
	case len(def.Cat) == 1:
		target = def.Cat[0]
	}
	if target == "" {
		return nil, fail("record list needs cat or childcat")
	}
	lf.Category = target
	lf.ChildField = def.ChildField
	return lf, nil
}

// link checks cross-category references and completes reciprocal pairs.
func (r *Registry) link(cs *CategorySchema) error {
	for _, f := range cs.Fields {
		switch f := f.(type) {
		case ListField:
			if !f.InStore() {
				continue
			}
			target, ok := r.categories[f.Category]
			if !ok {
				return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("cat names unknown category %q", f.Category)}
			}
			if f.ChildField == "" {
				continue
			}
			partner, ok := target.Field(f.ChildField)
			if !ok {
				return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("childfield %q does not exist in %s", f.ChildField, f.Category)}
			}
			pl, ok := partner.(ListField)
			if !ok || !pl.InStore() || pl.Category != cs.Name {
				return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("childfield %s.%s must be a list of %s", f.Category, f.ChildField, cs.Name)}
			}
			if pl.ChildField != "" && pl.ChildField != f.Name {
				return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("childfield %s.%s pairs with %q", f.Category, f.ChildField, pl.ChildField)}
			}
			pl.ChildField = f.Name
			target.Fields[target.index[pl.Name]] = pl
		case SumField:
			for _, cat := range f.Categories {
				src, ok := r.categories[cat]
				if !ok {
					return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("cat names unknown category %q", cat)}
				}
				tf, ok := src.Field(f.Target)
				if !ok {
					return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("target %q does not exist in %s", f.Target, cat)}
				}
				if !IsNumeric(tf) {
					return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("target %s.%s is a %s field", cat, f.Target, tf.Kind())}
				}
			}
		case CountField:
			for _, cat := range f.Categories {
				if _, ok := r.categories[cat]; !ok {
					return &domain.SchemaError{Category: cs.Name, Field: f.Name, Reason: fmt.Sprintf("cat names unknown category %q", cat)}
				}
			}
		}
	}
	return nil
}

type sumRef struct {
	category string
	field    string
}

// checkSumCycles rejects sums whose targets lead back to themselves, e.g.
// A.Total summing B.Total while B.Total sums A.Total.
func (r *Registry) checkSumCycles() error {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[sumRef]int)
	var visit func(ref sumRef) error
	visit = func(ref sumRef) error {
		switch state[ref] {
		case active:
			return &domain.SchemaError{Category: ref.category, Field: ref.field, Reason: "sum targets form a cycle"}
		case done:
			return nil
		}
		state[ref] = active
		f, _ := r.categories[ref.category].Field(ref.field)
		sf := f.(SumField)
		for _, cat := range sf.Categories {
			if tf, ok := r.categories[cat].Field(sf.Target); ok {
				if _, isSum := tf.(SumField); isSum {
					if err := visit(sumRef{category: cat, field: sf.Target}); err != nil {
						return err
					}
				}
			}
		}
		state[ref] = done
		return nil
	}
	for _, name := range r.names {
		for _, f := range r.categories[name].Fields {
			if sf, ok := f.(SumField); ok {
				if err := visit(sumRef{category: name, field: sf.Name}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + expr + ")$")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func fingerprint(defs Definitions) (string, error) {
	data, err := json.Marshal(defs)
	if err != nil {
		return "", fmt.Errorf("encode definitions: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
