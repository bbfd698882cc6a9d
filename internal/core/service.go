package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dehc/internal/blob"
	"dehc/internal/infra/persistence/memory"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// Service exposes record operations with tracing, metrics, audit and
// attachment handling around an Engine.
type Service struct {
	engine    *Engine
	blobs     blob.Store
	archiver  *Archiver
	logger    Logger
	clock     Clock
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	namespace string
}

// NewService wraps an open engine.
func NewService(engine *Engine, opts ...Option) *Service {
	o := applyOptions(opts)
	s := &Service{
		engine:    engine,
		blobs:     o.blobs,
		logger:    o.logger,
		clock:     o.clock,
		metrics:   o.metrics,
		tracer:    o.tracer,
		audit:     o.audit,
		namespace: o.namespace,
	}
	s.archiver = NewArchiver(o.blobs, opts...)
	return s
}

// OpenService opens an engine over storage and wraps it. Options apply to
// both.
func OpenService(ctx context.Context, reg *schema.Registry, storage domain.Storage, opts ...Option) (*Service, error) {
	engine, err := Open(ctx, reg, storage, opts...)
	if err != nil {
		return nil, err
	}
	return NewService(engine, opts...), nil
}

// NewInMemoryService creates a service over a fresh in-memory store with the
// default rules engine unless one is supplied.
func NewInMemoryService(reg *schema.Registry, opts ...Option) *Service {
	if reg == nil {
		panic("core: NewInMemoryService requires a registry")
	}
	all := append([]Option{WithRulesEngine(NewDefaultRulesEngine(reg))}, opts...)
	svc, err := OpenService(context.Background(), reg, memory.NewStore(), all...)
	if err != nil {
		panic(fmt.Sprintf("core: open in-memory service: %v", err))
	}
	return svc
}

// Engine returns the wrapped engine.
func (s *Service) Engine() *Engine { return s.engine }

// Archiver returns the snapshot archiver bound to the service's blob store.
func (s *Service) Archiver() *Archiver { return s.archiver }

// run wraps an operation with a span, a metrics observation, an audit entry
// and an error log line.
func (s *Service) run(ctx context.Context, op string, action domain.Action, fn func(ctx context.Context, entry *AuditEntry) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.clock.Now()
	entry := AuditEntry{Operation: op, Action: action, Timestamp: started.UTC()}

	err := fn(ctx, &entry)

	duration := s.clock.Now().Sub(started)
	if duration < 0 {
		duration = 0
	}
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	entry.Duration = duration
	entry.Status = AuditStatusSuccess
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logFailure(op, entry, err)
	}
	s.audit.Record(ctx, entry)
	return err
}

func (s *Service) logFailure(op string, entry AuditEntry, err error) {
	args := []any{"operation", op, "category", entry.Category, "key", entry.RecordKey, "error", err}
	switch {
	case errors.Is(err, domain.ErrCollaboratorUnavailable):
		s.logger.Error("operation failed", args...)
	default:
		s.logger.Warn("operation rejected", args...)
	}
}

// CreateRecord stores a new record.
func (s *Service) CreateRecord(ctx context.Context, category string, values map[string]any) (domain.Record, domain.Result, error) {
	var (
		created domain.Record
		res     domain.Result
	)
	err := s.run(ctx, "create_record", domain.ActionCreate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category = category
		var err error
		created, res, err = s.engine.Create(ctx, category, values)
		entry.RecordKey = created.Key
		return err
	})
	return created, res, err
}

// UpdateRecord applies values to a record.
func (s *Service) UpdateRecord(ctx context.Context, id domain.RecordID, values map[string]any) (domain.Record, domain.Result, error) {
	var (
		updated domain.Record
		res     domain.Result
	)
	err := s.run(ctx, "update_record", domain.ActionUpdate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var err error
		updated, res, err = s.engine.Update(ctx, id, values)
		return err
	})
	return updated, res, err
}

// SetFlags replaces the asserted flags of a record.
func (s *Service) SetFlags(ctx context.Context, id domain.RecordID, flags []string) (domain.Record, domain.Result, error) {
	var (
		updated domain.Record
		res     domain.Result
	)
	err := s.run(ctx, "set_flags", domain.ActionUpdate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var err error
		updated, res, err = s.engine.SetFlags(ctx, id, flags)
		return err
	})
	return updated, res, err
}

// DeleteRecord removes a record and its attachment.
func (s *Service) DeleteRecord(ctx context.Context, id domain.RecordID) (domain.Result, error) {
	var res domain.Result
	err := s.run(ctx, "delete_record", domain.ActionDelete, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var cleanup func()
		if s.blobs != nil {
			cleanup = func() {
				if _, err := s.blobs.Delete(ctx, attachmentKey(id)); err != nil {
					s.logger.Warn("attachment cleanup failed", "record", id.String(), "error", err)
				}
			}
		}
		var err error
		res, err = s.engine.delete(ctx, id, cleanup)
		return err
	})
	return res, err
}

// RefreshReads refetches and caches the read fields of a record.
func (s *Service) RefreshReads(ctx context.Context, id domain.RecordID) (domain.Record, error) {
	var rec domain.Record
	err := s.run(ctx, "refresh_reads", domain.ActionUpdate, func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var err error
		rec, err = s.engine.Refresh(ctx, id)
		return err
	})
	return rec, err
}

// GetRecord returns a record with derived values.
func (s *Service) GetRecord(ctx context.Context, id domain.RecordID) (domain.Record, error) {
	var rec domain.Record
	err := s.run(ctx, "get_record", "", func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var err error
		rec, err = s.engine.Get(ctx, id)
		return err
	})
	return rec, err
}

// ListRecords returns every record of a category with derived values.
func (s *Service) ListRecords(ctx context.Context, category string) ([]domain.Record, error) {
	var recs []domain.Record
	err := s.run(ctx, "list_records", "", func(ctx context.Context, entry *AuditEntry) error {
		entry.Category = category
		var err error
		recs, err = s.engine.List(ctx, category)
		return err
	})
	return recs, err
}

// FlagSummary returns the flag codes asserted on a record and its referrers.
func (s *Service) FlagSummary(ctx context.Context, id domain.RecordID) (string, error) {
	var summary string
	err := s.run(ctx, "flag_summary", "", func(ctx context.Context, entry *AuditEntry) error {
		entry.Category, entry.RecordKey = id.Category, id.Key
		var err error
		summary, err = s.engine.FlagSummary(ctx, id)
		return err
	})
	return summary, err
}

// SaveSnapshot archives every record to the blob store.
func (s *Service) SaveSnapshot(ctx context.Context) (string, error) {
	var key string
	err := s.run(ctx, "save_snapshot", "", func(ctx context.Context, entry *AuditEntry) error {
		var err error
		key, err = s.archiver.Save(ctx, s.engine)
		entry.RecordKey = key
		return err
	})
	return key, err
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }
