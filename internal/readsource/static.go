// Package readsource provides ReadSource collaborators: a static table, a
// JSON file that reloads on change and a TTL cache wrapper.
package readsource

import (
	"context"

	"dehc/pkg/domain"
)

var (
	_ domain.ReadSource = Static(nil)
	_ domain.ReadSource = (*FileSource)(nil)
	_ domain.ReadSource = (*Cached)(nil)
)

// Static serves values from a fixed domain -> key -> value table.
type Static map[string]map[string]string

// Fetch implements domain.ReadSource.
func (s Static) Fetch(_ context.Context, source, key string) (string, bool, error) {
	v, ok := s[source][key]
	return v, ok, nil
}
