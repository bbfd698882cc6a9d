// Package validator checks raw field values against schema field definitions
// and returns the normalized value the record store keeps.
package validator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// Resolver reports whether a record currently exists.
type Resolver interface {
	Exists(id domain.RecordID) bool
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id domain.RecordID) bool

// Exists calls f.
func (f ResolverFunc) Exists(id domain.RecordID) bool { return f(id) }

// Validate accepts or rejects raw for field f of category. Accepted values
// are returned as string (text, multitext, option), []string (list) or bool
// (lock). Derived fields are never writable.
func Validate(category string, f schema.Field, raw any, res Resolver) (any, error) {
	name := f.FieldName()
	switch f := f.(type) {
	case schema.TextField:
		s, err := coerceString(category, name, raw)
		if err != nil {
			return nil, err
		}
		if s != "" && f.Pattern != nil && !f.Pattern.MatchString(s) {
			return nil, domain.NewValidationError(domain.ErrPatternMismatch, category, name, raw, "")
		}
		return s, nil
	case schema.MultiTextField:
		s, err := coerceString(category, name, raw)
		if err != nil {
			return nil, err
		}
		if s != "" && f.Pattern != nil && !f.Pattern.MatchString(s) {
			return nil, domain.NewValidationError(domain.ErrPatternMismatch, category, name, raw, "")
		}
		return s, nil
	case schema.OptionField:
		s, err := coerceString(category, name, raw)
		if err != nil {
			return nil, err
		}
		if s == "" || s == f.Default {
			return s, nil
		}
		for _, opt := range f.Options {
			if s == opt {
				return s, nil
			}
		}
		return nil, domain.NewValidationError(domain.ErrInvalidOption, category, name, raw, fmt.Sprintf("expected one of %q", f.Options))
	case schema.ListField:
		return validateList(category, f, raw, res)
	case schema.ReadField, schema.SumField, schema.CountField:
		return nil, domain.NewValidationError(domain.ErrImmutableField, category, name, raw, fmt.Sprintf("%s fields are computed", f.Kind()))
	case schema.LockField:
		b, ok := CoerceBool(raw)
		if !ok {
			return nil, domain.NewValidationError(domain.ErrInvalidBoolean, category, name, raw, "")
		}
		return b, nil
	default:
		return nil, domain.NewValidationError(domain.ErrInvalidType, category, name, raw, "unsupported field kind")
	}
}

func validateList(category string, f schema.ListField, raw any, res Resolver) ([]string, error) {
	items, err := CoerceList(raw)
	if err != nil {
		return nil, domain.NewValidationError(domain.ErrInvalidType, category, f.Name, raw, err.Error())
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			return nil, domain.NewValidationError(domain.ErrDanglingReference, category, f.Name, raw, "empty reference")
		}
		if _, dup := seen[item]; dup {
			return nil, domain.NewValidationError(domain.ErrDuplicateReference, category, f.Name, raw, item)
		}
		seen[item] = struct{}{}
		// External tag domains are opaque; only record lists resolve.
		if f.InStore() {
			id := domain.RecordID{Category: f.Category, Key: item}
			if res == nil || !res.Exists(id) {
				return nil, domain.NewValidationError(domain.ErrDanglingReference, category, f.Name, raw, id.String())
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// CoerceList normalizes a raw list value. nil and "" mean an empty list and
// a single string is a one-element list.
func CoerceList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return []string{}, nil
	case string:
		if v == "" {
			return []string{}, nil
		}
		return []string{v}, nil
	case []string:
		return append([]string{}, v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list element %v is %T, not string", item, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", raw)
	}
}

// CoerceBool maps accepted truthy/falsy representations to a bool.
func CoerceBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case int:
		return intBool(int64(v))
	case int64:
		return intBool(v)
	case float64:
		if v == 0 || v == 1 {
			return v == 1, true
		}
		return false, false
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return false, false
		}
		return intBool(n)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "on", "1":
			return true, true
		case "false", "f", "no", "n", "off", "0":
			return false, true
		}
	}
	return false, false
}

func intBool(n int64) (bool, bool) {
	if n == 0 || n == 1 {
		return n == 1, true
	}
	return false, false
}

func coerceString(category, field string, raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", domain.NewValidationError(domain.ErrInvalidType, category, field, raw, fmt.Sprintf("expected string, got %T", raw))
	}
}
