package core

import (
	"context"
	"log/slog"
	"time"

	"dehc/internal/blob"
	"dehc/pkg/domain"
)

// Logger is the structured logger used by the engine and service.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock supplies timestamps for records and audit entries.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan ends a span with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome recorded in an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one service operation for the audit trail.
type AuditEntry struct {
	Operation string
	Category  string
	Action    domain.Action
	RecordKey string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Option configures an Engine or a Service.
type Option func(*options)

type options struct {
	logger    Logger
	clock     Clock
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	reads     domain.ReadSource
	rules     *domain.RulesEngine
	blobs     blob.Store
	readOnly  bool
	namespace string
}

func defaultOptions() options {
	return options{
		logger:    slog.New(slog.DiscardHandler),
		clock:     ClockFunc(func() time.Time { return time.Now().UTC() }),
		metrics:   noopMetrics{},
		tracer:    noopTracer{},
		audit:     noopAudit{},
		namespace: "default",
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetricsRecorder sets the metrics sink for service operations.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer for service operations.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit sink for service operations.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(o *options) {
		if a != nil {
			o.audit = a
		}
	}
}

// WithReadSource sets the external source of read field values.
func WithReadSource(rs domain.ReadSource) Option {
	return func(o *options) { o.reads = rs }
}

// WithRulesEngine sets the rules evaluated before every commit.
func WithRulesEngine(r *domain.RulesEngine) Option {
	return func(o *options) { o.rules = r }
}

// WithBlobStore sets the store holding attachments and snapshot archives.
func WithBlobStore(b blob.Store) Option {
	return func(o *options) { o.blobs = b }
}

// WithReadOnly rejects every mutation with domain.ErrReadOnly.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) { o.readOnly = readOnly }
}

// WithNamespace names the deployment in snapshot archive keys.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}
