package domain

import "context"

// Storage is the key/value collaborator that durably holds record snapshots.
// The engine never assumes transactions broader than a single Put or Delete;
// multi-record atomicity is built on top with ordered locking.
type Storage interface {
	// Get returns the stored record, or false when the key is absent.
	Get(ctx context.Context, category, key string) (Record, bool, error)
	// Put writes the record. It fails with ErrConflict unless rec.Revision is
	// newer than the stored revision.
	Put(ctx context.Context, category, key string, rec Record) error
	// Delete removes the record or fails with ErrStorageNotFound.
	Delete(ctx context.Context, category, key string) error
	// ListKeys returns every key of the category in ascending order.
	ListKeys(ctx context.Context, category string) ([]string, error)
}

// ReadSource supplies raw external values for read fields, e.g. a scale
// reading for domain "WEIGHT". A missing value returns ok=false.
type ReadSource interface {
	Fetch(ctx context.Context, domain, key string) (value string, ok bool, err error)
}

// ReadInvalidator is implemented by read sources that cache. Refreshing a
// record invalidates its keys first so the refetch reaches the origin.
type ReadInvalidator interface {
	Invalidate(domain, key string)
}

// ReadSourceFunc adapts a function to ReadSource.
type ReadSourceFunc func(ctx context.Context, domain, key string) (string, bool, error)

// Fetch calls f.
func (f ReadSourceFunc) Fetch(ctx context.Context, domain, key string) (string, bool, error) {
	return f(ctx, domain, key)
}
