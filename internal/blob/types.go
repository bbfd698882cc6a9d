// Package blob is the object store used for record attachments and snapshot
// archives. It aliases the contract from internal/blob/core and constructs
// the backends; nothing outside this package imports internal/infra/blob.
package blob

import "dehc/internal/blob/core"

type (
	Driver           = core.Driver
	PutOptions       = core.PutOptions
	SignedURLOptions = core.SignedURLOptions
	Info             = core.Info
	Store            = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
	ErrInvalidKey  = core.ErrInvalidKey
)

// Checksum returns the hex blake3 digest of data.
func Checksum(data []byte) string { return core.Checksum(data) }

// ValidateKey reports whether key is accepted by every backend.
func ValidateKey(key string) error { return core.ValidateKey(key) }
