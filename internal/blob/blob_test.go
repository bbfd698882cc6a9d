package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"dehc/internal/config"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fs,
		"s3mock": NewMockS3ForTests(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			payload := []byte("binary\r\n\x00payload")
			info, err := store.Put(ctx, "attachments/Person/Alice", bytes.NewReader(payload), PutOptions{
				ContentType: "image/png",
				Metadata:    map[string]string{"checksum": Checksum(payload)},
			})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != int64(len(payload)) {
				t.Fatalf("expected size %d, got %d", len(payload), info.Size)
			}

			got, rc, err := store.Get(ctx, "attachments/Person/Alice")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			body, _ := io.ReadAll(rc)
			_ = rc.Close()
			if !bytes.Equal(body, payload) {
				t.Fatalf("payload mismatch: %q", body)
			}
			if got.ContentType != "image/png" {
				t.Fatalf("expected content type, got %q", got.ContentType)
			}
			if got.Metadata["checksum"] != Checksum(payload) {
				t.Fatalf("checksum metadata lost: %+v", got.Metadata)
			}

			if _, err := store.Put(ctx, "attachments/Person/Alice", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}

			if _, err := store.Put(ctx, "attachments/Bag/Bag1", strings.NewReader("bag"), PutOptions{}); err != nil {
				t.Fatalf("put second: %v", err)
			}
			list, err := store.List(ctx, "attachments/Person/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 1 || list[0].Key != "attachments/Person/Alice" {
				t.Fatalf("unexpected list: %+v", list)
			}

			existed, err := store.Delete(ctx, "attachments/Person/Alice")
			if err != nil || !existed {
				t.Fatalf("delete: existed=%v err=%v", existed, err)
			}
			existed, err = store.Delete(ctx, "attachments/Person/Alice")
			if err != nil || existed {
				t.Fatalf("second delete: existed=%v err=%v", existed, err)
			}
			if _, err := store.Head(ctx, "attachments/Person/Alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from head, got %v", err)
			}
			if _, _, err := store.Get(ctx, "attachments/Person/Alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound from get, got %v", err)
			}
		})
	}
}

func TestPresign(t *testing.T) {
	ctx := context.Background()
	if _, err := NewMemory().PresignURL(ctx, "k", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("memory presign should be unsupported, got %v", err)
	}
	s3 := NewMockS3ForTests()
	url, err := s3.PresignURL(ctx, "attachments/Person/Alice", SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") {
		t.Fatalf("expected signed url, got %s", url)
	}
	if _, err := s3.PresignURL(ctx, "k", SignedURLOptions{Method: "PUT"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected PUT presign unsupported, got %v", err)
	}
}

func TestStoresRejectInvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", " ", "/abs", "../escape", "a//b", "a/./b", "a/"} {
				if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("expected key %q to be rejected, got %v", key, err)
				}
			}
			if _, err := store.Put(ctx, "snapshots/evac/a..b.cbor.zst", strings.NewReader("x"), PutOptions{}); err != nil {
				t.Fatalf("dots inside a segment are allowed: %v", err)
			}
		})
	}
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	if _, err := fs.Put(ctx, "a/b.meta", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected reserved suffix rejection, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.BlobConfig{Driver: "memory"})
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("memory driver: %v %v", store, err)
	}
	store, err = Open(ctx, config.BlobConfig{Root: t.TempDir()})
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("default driver should be fs: %v", err)
	}
	if _, err := Open(ctx, config.BlobConfig{Driver: "s3"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := Open(ctx, config.BlobConfig{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
