package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"dehc/internal/blob"
	"dehc/pkg/domain"
)

const (
	attachmentPrefix = "attachments/"
	checksumMetaKey  = "checksum"
)

// ErrNoAttachment is returned when a record has no stored attachment.
var ErrNoAttachment = errors.New("core: record has no attachment")

// ErrAttachmentCorrupt is returned when stored bytes no longer match their
// recorded checksum.
var ErrAttachmentCorrupt = errors.New("core: attachment checksum mismatch")

func attachmentKey(id domain.RecordID) string {
	return attachmentPrefix + escapeSegment(id.Category) + "/" + escapeSegment(id.Key)
}

// escapeSegment path-escapes s and also escapes dots, so no segment can read
// as "." or "..".
func escapeSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}

// PutAttachment stores the record's attachment, replacing any previous one.
// The record stays write-locked until the blob is in place, and a failed
// write puts the previous attachment back.
func (s *Service) PutAttachment(ctx context.Context, id domain.RecordID, r io.Reader, contentType string) (blob.Info, error) {
	var info blob.Info
	err := s.run(ctx, "put_attachment", domain.ActionUpdate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		return s.engine.withRecordLock(id, func() error {
			if err := s.attachable(id, true); err != nil {
				return err
			}
			key := attachmentKey(id)
			prev, prevData, err := s.readBlob(ctx, key)
			if err != nil {
				return err
			}
			if prevData != nil {
				if _, err := s.blobs.Delete(ctx, key); err != nil {
					return &domain.CollaboratorError{Collaborator: "blob", Op: "delete " + key, Err: err}
				}
			}
			info, err = s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
				ContentType: contentType,
				Metadata: map[string]string{
					checksumMetaKey: blob.Checksum(data),
					"record":        id.String(),
					"uploaded_at":   s.now().Format(time.RFC3339),
				},
			})
			if err == nil {
				return nil
			}
			putErr := &domain.CollaboratorError{Collaborator: "blob", Op: "put " + key, Err: err}
			if prevData == nil {
				return putErr
			}
			if _, rerr := s.blobs.Put(ctx, key, bytes.NewReader(prevData), blob.PutOptions{
				ContentType: prev.ContentType,
				Metadata:    prev.Metadata,
			}); rerr != nil {
				return errors.Join(putErr, &domain.CollaboratorError{Collaborator: "blob", Op: "restore " + key, Err: rerr})
			}
			return putErr
		})
	})
	return info, err
}

// readBlob returns the stored blob, or nil data when there is none.
func (s *Service) readBlob(ctx context.Context, key string) (blob.Info, []byte, error) {
	info, rc, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Info{}, nil, nil
	}
	if err != nil {
		return blob.Info{}, nil, &domain.CollaboratorError{Collaborator: "blob", Op: "get " + key, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return blob.Info{}, nil, &domain.CollaboratorError{Collaborator: "blob", Op: "read " + key, Err: err}
	}
	if data == nil {
		data = []byte{}
	}
	return info, data, nil
}

// GetAttachment returns the record's attachment after verifying its checksum.
func (s *Service) GetAttachment(ctx context.Context, id domain.RecordID) (blob.Info, []byte, error) {
	var (
		info blob.Info
		data []byte
	)
	err := s.run(ctx, "get_attachment", "", func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		if err := s.attachable(id, false); err != nil {
			return err
		}
		key := attachmentKey(id)
		var rc io.ReadCloser
		var err error
		info, rc, err = s.blobs.Get(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoAttachment, id)
		}
		if err != nil {
			return &domain.CollaboratorError{Collaborator: "blob", Op: "get " + key, Err: err}
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		if err != nil {
			return &domain.CollaboratorError{Collaborator: "blob", Op: "read " + key, Err: err}
		}
		if want := info.Metadata[checksumMetaKey]; want != "" && want != blob.Checksum(data) {
			data = nil
			return fmt.Errorf("%w: %s", ErrAttachmentCorrupt, id)
		}
		return nil
	})
	return info, data, err
}

// DeleteAttachment removes the record's attachment. Removing a missing
// attachment is not an error.
func (s *Service) DeleteAttachment(ctx context.Context, id domain.RecordID) (bool, error) {
	var existed bool
	err := s.run(ctx, "delete_attachment", domain.ActionUpdate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		return s.engine.withRecordLock(id, func() error {
			if err := s.attachable(id, true); err != nil {
				return err
			}
			key := attachmentKey(id)
			var err error
			existed, err = s.blobs.Delete(ctx, key)
			if err != nil {
				return &domain.CollaboratorError{Collaborator: "blob", Op: "delete " + key, Err: err}
			}
			return nil
		})
	})
	return existed, err
}

// AttachmentURL returns a time-limited download URL for the attachment.
func (s *Service) AttachmentURL(ctx context.Context, id domain.RecordID, expiry time.Duration) (string, error) {
	if err := s.attachable(id, false); err != nil {
		return "", err
	}
	key := attachmentKey(id)
	if _, err := s.blobs.Head(ctx, key); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoAttachment, id)
		}
		return "", &domain.CollaboratorError{Collaborator: "blob", Op: "head " + key, Err: err}
	}
	return s.blobs.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}

// attachable checks the blob store is configured and the record exists.
// Writes additionally require the record to be unlocked and the store
// writable.
func (s *Service) attachable(id domain.RecordID, write bool) error {
	if s.blobs == nil {
		return &domain.CollaboratorError{Collaborator: "blob", Op: "attachment", Err: blob.ErrUnsupported}
	}
	if write && s.engine.ReadOnly() {
		return domain.ErrReadOnly
	}
	if _, err := s.engine.registry.SchemaFor(id.Category); err != nil {
		return err
	}
	rec, ok := s.engine.committed(id)
	if !ok {
		return domain.NotFound(id)
	}
	if write && rec.Locked() {
		return domain.Locked(id)
	}
	return nil
}
