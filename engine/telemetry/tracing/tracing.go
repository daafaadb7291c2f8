// Package tracing implements a small dependency-free span tracer used to
// correlate log lines and events across the worker loop without requiring
// a full OpenTelemetry exporter pipeline. Grounded on the teacher's
// internal adaptive tracer.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

// Span represents one unit of traced work.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// SpanContext carries the identifiers and timing of a span.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                   time.Time
}

// Tracer starts spans, optionally propagating an existing trace via ctx.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

type spanKey struct{}

// NewTracer returns a Tracer. When enabled is false, every span is a noop.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{}
}

// NewAdaptiveTracer samples a percentage of new root traces, determined by
// percentFn at the start of each trace (0-100).
func NewAdaptiveTracer(percentFn func() float64) Tracer {
	if percentFn == nil {
		return noopTracer{}
	}
	return &adaptiveTracer{percentFn: percentFn}
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (noopTracer) Noop() bool                                                      { return true }
func (noopSpan) End()                                 {}
func (noopSpan) SetAttribute(string, any)             {}
func (noopSpan) Context() SpanContext                 { return SpanContext{} }
func (noopSpan) IsEnded() bool                         { return true }

type simpleTracer struct{}

func (simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return startChildSpan(ctx)
}
func (simpleTracer) Noop() bool { return false }

type adaptiveTracer struct{ percentFn func() float64 }

func (a *adaptiveTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if SpanFromContext(ctx).ctx.TraceID == "" {
		pct := a.percentFn()
		if pct <= 0 || rand.Float64()*100 > pct {
			return ctx, noopSpan{}
		}
	}
	return startChildSpan(ctx)
}
func (a *adaptiveTracer) Noop() bool { return false }

type simpleSpan struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

func startChildSpan(ctx context.Context) (context.Context, *simpleSpan) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		ctx: SpanContext{
			TraceID:      traceID,
			SpanID:       newID(8),
			ParentSpanID: parent.ctx.SpanID,
			Start:        time.Now(),
		},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (s *simpleSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
}

func (s *simpleSpan) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
}

func (s *simpleSpan) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *simpleSpan) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SpanFromContext extracts the active span, or a zero-value span if none.
func SpanFromContext(ctx context.Context) *simpleSpan {
	if ctx == nil {
		return &simpleSpan{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span id pair in ctx, if any.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
