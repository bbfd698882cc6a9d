package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrSchema matches every *SchemaError.
	ErrSchema          = errors.New("schema error")
	ErrUnknownCategory = errors.New("unknown category")

	// ErrValidation matches every *ValidationError; the reason sentinels below
	// narrow it down.
	ErrValidation           = errors.New("validation failed")
	ErrPatternMismatch      = errors.New("pattern mismatch")
	ErrInvalidOption        = errors.New("invalid option")
	ErrDanglingReference    = errors.New("dangling reference")
	ErrDuplicateReference   = errors.New("duplicate reference")
	ErrImmutableField       = errors.New("immutable field")
	ErrInvalidBoolean       = errors.New("invalid boolean")
	ErrRequiredFieldMissing = errors.New("required field missing")
	ErrUnknownField         = errors.New("unknown field")
	ErrUnknownFlag          = errors.New("unknown flag")
	ErrInvalidType          = errors.New("invalid value type")
	ErrKeySeparator         = errors.New("value contains the key separator")

	// ErrBrokenLinkTarget is logged, never returned from a mutation.
	ErrBrokenLinkTarget        = errors.New("broken link target")
	ErrRecordKeyConflict       = errors.New("record key conflict")
	ErrRecordNotFound          = errors.New("record not found")
	ErrLockedRecord            = errors.New("record is locked")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrReadOnly                = errors.New("store is read-only")

	// Storage collaborator outcomes.
	ErrConflict        = errors.New("storage conflict")
	ErrStorageNotFound = errors.New("storage key not found")
)

// SchemaError reports a malformed schema definition.
type SchemaError struct {
	Category string
	Field    string
	Reason   string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Category == "":
		return "schema: " + e.Reason
	case e.Field == "":
		return fmt.Sprintf("schema: category %q: %s", e.Category, e.Reason)
	default:
		return fmt.Sprintf("schema: %s.%s: %s", e.Category, e.Field, e.Reason)
	}
}

// Is matches ErrSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// ValidationError reports a rejected field value. Reason is one of the
// validation sentinels.
type ValidationError struct {
	Reason   error
	Category string
	Field    string
	Value    any
	Detail   string
}

// NewValidationError builds a ValidationError.
func NewValidationError(reason error, category, field string, value any, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Category: category, Field: field, Value: value, Detail: detail}
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s.%s: %v", e.Category, e.Field, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap exposes both ErrValidation and the reason.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Reason}
}

// CollaboratorError wraps a storage or read-source failure.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

// Unwrap exposes ErrCollaboratorUnavailable and the cause.
func (e *CollaboratorError) Unwrap() []error {
	return []error{ErrCollaboratorUnavailable, e.Err}
}

// NotFound wraps ErrRecordNotFound with the record id.
func NotFound(id RecordID) error {
	return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

// Locked wraps ErrLockedRecord with the record id.
func Locked(id RecordID) error {
	return fmt.Errorf("%w: %s", ErrLockedRecord, id)
}
