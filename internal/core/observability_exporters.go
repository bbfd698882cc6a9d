package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation latency totals and outcome
// counters through expvar for deployments without a Prometheus scraper.
type ExpvarMetricsRecorder struct {
	name  string
	clock Clock

	mu      sync.Mutex
	ops     map[string]*expvarOp
	slowest map[string]time.Duration
}

type expvarOp struct {
	totalMS float64
	success int64
	failure int64
}

// ExpvarMetricsSnapshot is a copy of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	SlowestMS   map[string]float64          `json:"slowest_ms"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated "dehc_service_metrics_<n>" name when empty. WithClock applies.
func NewExpvarMetricsRecorder(name string, opts ...Option) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("dehc_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	o := applyOptions(opts)
	rec := &ExpvarMetricsRecorder{
		name:    name,
		clock:   o.clock,
		ops:     make(map[string]*expvarOp),
		slowest: make(map[string]time.Duration),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot copies the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := ExpvarMetricsSnapshot{
		DurationsMS: make(map[string]float64, len(r.ops)),
		SlowestMS:   make(map[string]float64, len(r.slowest)),
		Results:     make(map[string]map[string]int64, len(r.ops)),
		RecordedAt:  r.clock.Now().UTC(),
	}
	for op, agg := range r.ops {
		snap.DurationsMS[op] = agg.totalMS
		snap.Results[op] = map[string]int64{
			string(AuditStatusSuccess): agg.success,
			string(AuditStatusError):   agg.failure,
		}
	}
	for op, d := range r.slowest {
		snap.SlowestMS[op] = millis(d)
	}
	return snap
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.ops[operation]
	if !ok {
		agg = &expvarOp{}
		r.ops[operation] = agg
	}
	agg.totalMS += millis(duration)
	if success {
		agg.success++
	} else {
		agg.failure++
	}
	if duration > r.slowest[operation] {
		r.slowest[operation] = duration
	}
}

// JSONTraceEntry is one span written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and keeps them for inspection.
type JSONTraceTracer struct {
	clock Clock

	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. A nil w only retains spans.
// WithClock applies.
func NewJSONTracer(w io.Writer, opts ...Option) *JSONTraceTracer {
	o := applyOptions(opts)
	t := &JSONTraceTracer{clock: o.clock}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: t.clock.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := s.tracer.clock.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     string(AuditStatusSuccess),
		DurationMS: millis(ended.Sub(s.started)),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Status = string(AuditStatusError)
		entry.Error = err.Error()
	}

	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
