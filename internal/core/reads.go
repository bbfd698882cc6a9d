package core

import (
	"context"
	"strconv"
	"strings"

	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// fetchRead asks the read source for a record's value in the field's source
// domain. The identity is "<Category>/<Key>". Errors, absent values, values
// failing the pattern and non-numeric values all report ok=false.
func (e *Engine) fetchRead(ctx context.Context, id domain.RecordID, f schema.ReadField) (float64, bool) {
	if e.reads == nil {
		return 0, false
	}
	raw, ok, err := e.reads.Fetch(ctx, f.Source, id.String())
	if err != nil {
		e.logger.Debug("read source fetch failed", "source", f.Source, "record", id.String(), "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	raw = strings.TrimSpace(raw)
	if f.Pattern != nil && !f.Pattern.MatchString(raw) {
		e.logger.Debug("read value rejected by pattern", "source", f.Source, "record", id.String(), "value", raw)
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.logger.Debug("read value is not numeric", "source", f.Source, "record", id.String(), "value", raw)
		return 0, false
	}
	return v, true
}

// FormatNumber renders a derived value with one decimal, marking values that
// relied on a default with a trailing "*".
func FormatNumber(v float64, defaulted bool) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	if defaulted {
		s += "*"
	}
	return s
}
