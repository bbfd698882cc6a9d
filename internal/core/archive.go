package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"dehc/internal/blob"
	"dehc/internal/codec"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

const snapshotPrefix = "snapshots/"

// ErrNoSnapshot is returned by Latest when a namespace has no archives.
var ErrNoSnapshot = errors.New("core: no snapshot archived")

// Snapshot is the archived content of a store at one point in time.
type Snapshot struct {
	Namespace         string          `cbor:"namespace"`
	SchemaFingerprint string          `cbor:"schema_fingerprint"`
	CreatedAt         time.Time       `cbor:"created_at"`
	Records           []domain.Record `cbor:"records"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("core: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("core: zstd decoder initialization failed: " + err.Error())
	}
}

// Archiver writes and reads snapshot archives in a blob store.
type Archiver struct {
	blobs     blob.Store
	namespace string
	clock     Clock
	logger    Logger
}

// NewArchiver returns an archiver over blobs. WithNamespace, WithClock and
// WithLogger apply; other options are ignored.
func NewArchiver(blobs blob.Store, opts ...Option) *Archiver {
	o := applyOptions(opts)
	return &Archiver{blobs: blobs, namespace: o.namespace, clock: o.clock, logger: o.logger}
}

// Save archives every committed record of the engine and returns the blob key.
func (a *Archiver) Save(ctx context.Context, e *Engine) (string, error) {
	if a.blobs == nil {
		return "", &domain.CollaboratorError{Collaborator: "blob", Op: "save snapshot", Err: blob.ErrUnsupported}
	}
	now := a.clock.Now().UTC()
	snap := Snapshot{
		Namespace:         a.namespace,
		SchemaFingerprint: e.Registry().Fingerprint(),
		CreatedAt:         now,
		Records:           e.Export(),
	}
	raw, err := codec.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	body := zstdEncoder.EncodeAll(raw, nil)
	key := fmt.Sprintf("%s%s/%s-%s.cbor.zst", snapshotPrefix, a.namespace, now.Format("20060102T150405.000000000Z"), uuid.NewString())
	_, err = a.blobs.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{
		ContentType: "application/zstd",
		Metadata: map[string]string{
			"records":     fmt.Sprint(len(snap.Records)),
			"fingerprint": snap.SchemaFingerprint,
		},
	})
	if err != nil {
		return "", &domain.CollaboratorError{Collaborator: "blob", Op: "put " + key, Err: err}
	}
	a.logger.Info("snapshot archived", "key", key, "records", len(snap.Records), "bytes", len(body))
	return key, nil
}

// Latest returns the key of the newest archive of the namespace.
func (a *Archiver) Latest(ctx context.Context) (string, error) {
	if a.blobs == nil {
		return "", ErrNoSnapshot
	}
	infos, err := a.blobs.List(ctx, snapshotPrefix+a.namespace+"/")
	if err != nil {
		return "", &domain.CollaboratorError{Collaborator: "blob", Op: "list snapshots", Err: err}
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".cbor.zst") {
			keys = append(keys, info.Key)
		}
	}
	if len(keys) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// Load reads and decodes one archive.
func (a *Archiver) Load(ctx context.Context, key string) (Snapshot, error) {
	if a.blobs == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	_, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, key)
		}
		return Snapshot{}, &domain.CollaboratorError{Collaborator: "blob", Op: "get " + key, Err: err}
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Snapshot{}, &domain.CollaboratorError{Collaborator: "blob", Op: "read " + key, Err: err}
	}
	raw, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("zstd decompress %s: %w", key, err)
	}
	var snap Snapshot
	if err := codec.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Restore loads the archive under key into an empty storage.
func (a *Archiver) Restore(ctx context.Context, key string, storage domain.Storage, reg *schema.Registry) error {
	snap, err := a.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := RestoreSnapshot(ctx, storage, reg, snap); err != nil {
		return err
	}
	a.logger.Info("snapshot restored", "key", key, "records", len(snap.Records))
	return nil
}

// RestoreSnapshot writes the records of snap into an empty storage. The
// snapshot must have been taken under a schema with the same fingerprint.
func RestoreSnapshot(ctx context.Context, storage domain.Storage, reg *schema.Registry, snap Snapshot) error {
	if fp := reg.Fingerprint(); snap.SchemaFingerprint != fp {
		return fmt.Errorf("snapshot schema %s does not match registry %s", short(snap.SchemaFingerprint), short(fp))
	}
	for _, category := range reg.Categories() {
		keys, err := storage.ListKeys(ctx, category)
		if err != nil {
			return &domain.CollaboratorError{Collaborator: "storage", Op: "list " + category, Err: err}
		}
		if len(keys) > 0 {
			return fmt.Errorf("restore requires empty storage: category %s has %d records", category, len(keys))
		}
	}
	for _, rec := range snap.Records {
		if _, err := reg.SchemaFor(rec.Category); err != nil {
			return err
		}
		if err := storage.Put(ctx, rec.Category, rec.Key, rec.Stored()); err != nil {
			return &domain.CollaboratorError{Collaborator: "storage", Op: "put " + rec.ID().String(), Err: err}
		}
	}
	return nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
