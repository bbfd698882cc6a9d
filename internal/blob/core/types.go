// Package core defines the object store contract behind record attachments
// and snapshot archives. Backends live under internal/infra/blob.
package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Driver names a backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3" // also MinIO and other S3-compatible servers
	DriverMemory     Driver = "memory"
)

// PutOptions carries the content type and flat user metadata of a new object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignedURLOptions configures a pre-signed download URL. Only GET is
// supported; Expiry defaults to 15 minutes.
type SignedURLOptions struct {
	Method string
	Expiry time.Duration
}

// DefaultURLExpiry applies when SignedURLOptions.Expiry is zero.
const DefaultURLExpiry = 15 * time.Minute

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is a create-only object store. Put fails with ErrExists when the key
// is taken; callers replace an object by deleting it first. List returns keys
// in ascending order.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	ErrUnsupported = errors.New("blobstore: unsupported operation")
	ErrNotFound    = errors.New("blobstore: not found")
	ErrExists      = errors.New("blobstore: already exists")
	ErrInvalidKey  = errors.New("blobstore: invalid key")
)

// ValidateKey accepts slash-separated relative keys without empty, "." or
// ".." segments. Every backend applies it so a key valid for one is valid
// for all.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "", ".", "..":
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// ExpiryOrDefault returns the URL lifetime to sign with.
func (o SignedURLOptions) ExpiryOrDefault() time.Duration {
	if o.Expiry <= 0 {
		return DefaultURLExpiry
	}
	return o.Expiry
}

// Checksum returns the hex blake3 digest used as ETag by the local backends
// and as the attachment checksum.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CloneMetadata copies a metadata map; nil stays nil.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	return maps.Clone(in)
}
