package schema

import "regexp"

// Kind enumerates field kinds.
type Kind string

const (
	KindText      Kind = "text"
	KindMultiText Kind = "multitext"
	KindOption    Kind = "option"
	KindList      Kind = "list"
	KindRead      Kind = "read"
	KindSum       Kind = "sum"
	KindCount     Kind = "count"
	KindLock      Kind = "lock"
)

// SourceIDS is the list source naming in-store record references. Any other
// list source is an opaque external tag domain (e.g. "PHYSIDS").
const SourceIDS = "IDS"

// Field is the closed set of field kinds. Callers dispatch with a type switch
// over the concrete types in this file.
type Field interface {
	FieldName() string
	Kind() Kind
	field()
}

// TextField is a single-line string with an optional full-match pattern.
type TextField struct {
	Name     string
	Required bool
	Pattern  *regexp.Regexp
	Default  string
}

// MultiTextField is a free-form multi-line string.
type MultiTextField struct {
	Name     string
	Required bool
	Pattern  *regexp.Regexp
	Default  string
}

// OptionField is a string drawn from Options; "" means unset.
type OptionField struct {
	Name     string
	Required bool
	Options  []string
	Default  string
}

// ListField is an ordered set of references. With Source == SourceIDS the
// elements are keys of records in Category; ChildField, when set, names the
// reciprocal list on Category that the engine keeps in step.
type ListField struct {
	Name       string
	Required   bool
	Source     string
	Category   string
	ChildField string
}

// ReadField is a number fetched from an external source.
type ReadField struct {
	Name    string
	Source  string
	Default float64
	Pattern *regexp.Regexp
}

// SumField totals Target across referencing records of Categories.
type SumField struct {
	Name       string
	Categories []string
	Target     string
}

// CountField counts referencing records of Categories.
type CountField struct {
	Name       string
	Categories []string
}

// LockField freezes the record while true.
type LockField struct {
	Name string
}

func (f TextField) FieldName() string      { return f.Name }
func (f MultiTextField) FieldName() string { return f.Name }
func (f OptionField) FieldName() string    { return f.Name }
func (f ListField) FieldName() string      { return f.Name }
func (f ReadField) FieldName() string      { return f.Name }
func (f SumField) FieldName() string       { return f.Name }
func (f CountField) FieldName() string     { return f.Name }
func (f LockField) FieldName() string      { return f.Name }

func (TextField) Kind() Kind      { return KindText }
func (MultiTextField) Kind() Kind { return KindMultiText }
func (OptionField) Kind() Kind    { return KindOption }
func (ListField) Kind() Kind      { return KindList }
func (ReadField) Kind() Kind      { return KindRead }
func (SumField) Kind() Kind       { return KindSum }
func (CountField) Kind() Kind     { return KindCount }
func (LockField) Kind() Kind      { return KindLock }

func (TextField) field()      {}
func (MultiTextField) field() {}
func (OptionField) field()    {}
func (ListField) field()      {}
func (ReadField) field()      {}
func (SumField) field()       {}
func (CountField) field()     {}
func (LockField) field()      {}

// InStore reports whether the list references records.
func (f ListField) InStore() bool { return f.Source == SourceIDS }

// Reciprocal reports whether the list has a partner field.
func (f ListField) Reciprocal() bool { return f.InStore() && f.ChildField != "" }

// IsRequired reports whether a direct field must be non-empty. Derived kinds
// are never required.
func IsRequired(f Field) bool {
	switch f := f.(type) {
	case TextField:
		return f.Required
	case MultiTextField:
		return f.Required
	case OptionField:
		return f.Required
	case ListField:
		return f.Required
	default:
		return false
	}
}

// IsDerived reports whether the field is computed rather than written.
func IsDerived(f Field) bool {
	switch f.(type) {
	case ReadField, SumField, CountField:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether the field can feed a sum.
func IsNumeric(f Field) bool {
	switch f.(type) {
	case ReadField, SumField, CountField, TextField:
		return true
	default:
		return false
	}
}
