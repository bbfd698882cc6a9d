package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// KeySeparator joins key-field values into a record key.
const KeySeparator = ", "

// RecordID addresses a record by category and key. Records never hold
// pointers to one another; every cross-record reference is a RecordID.
type RecordID struct {
	Category string `json:"category"`
	Key      string `json:"key"`
}

// String renders the id as "<Category>/<Key>".
func (id RecordID) String() string {
	return id.Category + "/" + id.Key
}

// Less orders ids by category then key. Lock acquisition follows this order.
func (id RecordID) Less(other RecordID) bool {
	if id.Category != other.Category {
		return id.Category < other.Category
	}
	return id.Key < other.Key
}

// SortRecordIDs sorts ids in lock order.
func SortRecordIDs(ids []RecordID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Record is a single schema-shaped document. Direct values live in Fields,
// Lists and Locks; Reads caches external values of read fields. Numbers and
// Defaulted are populated on read with derived values and are never stored.
type Record struct {
	Category  string              `json:"category"`
	Key       string              `json:"key"`
	Revision  uint64              `json:"revision"`
	Fields    map[string]string   `json:"fields,omitempty"`
	Lists     map[string][]string `json:"lists,omitempty"`
	Locks     map[string]bool     `json:"locks,omitempty"`
	Reads     map[string]float64  `json:"reads,omitempty"`
	Flags     []string            `json:"flags,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`

	Numbers   map[string]float64 `json:"numbers,omitempty" cbor:"-"`
	Defaulted map[string]bool    `json:"defaulted,omitempty" cbor:"-"`
}

// ID returns the record address.
func (r Record) ID() RecordID {
	return RecordID{Category: r.Category, Key: r.Key}
}

// DisplayName renders the key followed by the category in brackets.
func (r Record) DisplayName() string {
	return r.Key + " [" + r.Category + "]"
}

// Locked reports whether any lock field is set.
func (r Record) Locked() bool {
	for _, v := range r.Locks {
		if v {
			return true
		}
	}
	return false
}

// HasFlag reports whether the flag code is asserted.
func (r Record) HasFlag(code string) bool {
	for _, f := range r.Flags {
		if f == code {
			return true
		}
	}
	return false
}

// Value returns the typed value of a field: string for text, multitext and
// option fields, []string for lists, bool for locks and float64 for read,
// sum and count fields (the latter only once derived).
func (r Record) Value(field string) (any, bool) {
	if v, ok := r.Fields[field]; ok {
		return v, true
	}
	if v, ok := r.Lists[field]; ok {
		return append([]string(nil), v...), true
	}
	if v, ok := r.Locks[field]; ok {
		return v, true
	}
	if v, ok := r.Numbers[field]; ok {
		return v, true
	}
	return nil, false
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Fields = cloneStrings(r.Fields)
	out.Locks = cloneBools(r.Locks)
	out.Defaulted = cloneBools(r.Defaulted)
	out.Reads = cloneFloats(r.Reads)
	out.Numbers = cloneFloats(r.Numbers)
	if r.Lists != nil {
		out.Lists = make(map[string][]string, len(r.Lists))
		for k, v := range r.Lists {
			out.Lists[k] = append([]string(nil), v...)
		}
	}
	if r.Flags != nil {
		out.Flags = append([]string(nil), r.Flags...)
	}
	return out
}

// Stored strips derived values, leaving the persisted shape.
func (r Record) Stored() Record {
	out := r.Clone()
	out.Numbers = nil
	out.Defaulted = nil
	return out
}

// JoinKey concatenates key-field values into a record key.
func JoinKey(values []string) string {
	return strings.Join(values, KeySeparator)
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBools(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFloats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Record RecordID
	Action Action
	Before *Record
	After  *Record
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Record   RecordID
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("blocked by rule %s: %s", v.Rule, v.Message)
		}
	}
	return "blocked by rules"
}
