// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTraceIDKey is the log field carrying the trace id.
	DefaultTraceIDKey = "trace_id"
	// DefaultSpanIDKey is the log field carrying the span id.
	DefaultSpanIDKey = "span_id"
	// DefaultTraceIDAttribute is the span attribute carrying the trace id.
	DefaultTraceIDAttribute = "meta.trace_id"
	// DefaultSpanIDAttribute is the span attribute carrying the span id.
	DefaultSpanIDAttribute = "meta.span_id"
)

// ErrInvalidContext is returned by Attach for a structurally malformed
// TraceContext. It points at a bug in context propagation.
var ErrInvalidContext = errors.New("invalid trace context")

// TraceContext identifies the current unit of work.
type TraceContext struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
	// ParentSpanID is the enclosing span, zero when the span is a root.
	ParentSpanID trace.SpanID
}

// NoContext is the TraceContext of work running outside any span.
var NoContext = TraceContext{}

// IsEmpty reports whether tc is NoContext.
func (tc TraceContext) IsEmpty() bool {
	return !tc.TraceID.IsValid() && !tc.SpanID.IsValid()
}

// HasParent reports whether the span has an enclosing span.
func (tc TraceContext) HasParent() bool {
	return tc.ParentSpanID.IsValid()
}

// Validate returns ErrInvalidContext unless both ids are set or both are zero.
func (tc TraceContext) Validate() error {
	switch {
	case !tc.TraceID.IsValid() && tc.SpanID.IsValid():
		return fmt.Errorf("%w: zero trace id with span id %s", ErrInvalidContext, FormatSpanID(tc.SpanID))
	case tc.TraceID.IsValid() && !tc.SpanID.IsValid():
		return fmt.Errorf("%w: trace id %s with zero span id", ErrInvalidContext, FormatTraceID(tc.TraceID))
	}
	return nil
}

// FormatTraceID renders id as 32 lowercase hex digits.
func FormatTraceID(id trace.TraceID) string {
	return hex.EncodeToString(id[:])
}

// FormatSpanID renders id as 16 lowercase hex digits.
func FormatSpanID(id trace.SpanID) string {
	return hex.EncodeToString(id[:])
}

// ParseTraceID is the inverse of FormatTraceID.
func ParseTraceID(s string) (trace.TraceID, error) {
	var id trace.TraceID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("trace id %q: want %d hex digits", s, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return trace.TraceID{}, fmt.Errorf("trace id %q: %w", s, err)
	}
	return id, nil
}

// ParseSpanID is the inverse of FormatSpanID.
func ParseSpanID(s string) (trace.SpanID, error) {
	var id trace.SpanID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("span id %q: want %d hex digits", s, 2*len(id))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return trace.SpanID{}, fmt.Errorf("span id %q: %w", s, err)
	}
	return id, nil
}

// Record is a structured log record (or anything shaped like one) that
// accepts string fields.
type Record interface {
	AddField(key, value string)
}

// Fields is a Record backed by a map.
type Fields map[string]string

// AddField implements Record.
func (f Fields) AddField(key, value string) {
	f[key] = value
}

// LoggerRecord adds fields to a logr.Logger through WithValues.
type LoggerRecord struct {
	Logger *logr.Logger
}

// AddField implements Record.
func (r LoggerRecord) AddField(key, value string) {
	*r.Logger = r.Logger.WithValues(key, value)
}

// ZapRecord appends fields to a slice of zap fields.
type ZapRecord struct {
	Fields *[]zap.Field
}

// AddField implements Record.
func (r ZapRecord) AddField(key, value string) {
	*r.Fields = append(*r.Fields, zap.String(key, value))
}

// SpanRecord sets span attributes.
type SpanRecord struct {
	Span trace.Span
}

// AddField implements Record.
func (r SpanRecord) AddField(key, value string) {
	r.Span.SetAttributes(attribute.String(key, value))
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(c *Correlator)

// WithLogKeys sets the log field names for the trace and span id.
func WithLogKeys(traceKey, spanKey string) CorrelatorOption {
	return func(c *Correlator) {
		c.traceKey = traceKey
		c.spanKey = spanKey
	}
}

// WithSpanAttributeKeys sets the span attribute names for the trace and span id.
func WithSpanAttributeKeys(traceKey, spanKey string) CorrelatorOption {
	return func(c *Correlator) {
		c.traceAttr = traceKey
		c.spanAttr = spanKey
	}
}

// WithErrorLogger sets the logger that reports contexts which could not be
// attached to a span.
func WithErrorLogger(l logr.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = l
	}
}

// Correlator derives the identifiers of the current unit of work and attaches
// them to log records and spans. It holds no mutable state and is safe for
// concurrent use.
type Correlator struct {
	traceKey  string
	spanKey   string
	traceAttr string
	spanAttr  string
	logger    logr.Logger
}

// NewCorrelator creates a Correlator.
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		traceKey:  DefaultTraceIDKey,
		spanKey:   DefaultSpanIDKey,
		traceAttr: DefaultTraceIDAttribute,
		spanAttr:  DefaultSpanIDAttribute,
		logger:    logr.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger.GetSink() == nil {
		c.logger = logr.Discard()
	}

	return c
}

// CurrentContext returns the TraceContext of the span in ctx, or NoContext.
func (c *Correlator) CurrentContext(ctx context.Context) TraceContext {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return NoContext
	}

	tc := TraceContext{TraceID: sc.TraceID(), SpanID: sc.SpanID()}
	if ro, ok := span.(sdktrace.ReadOnlySpan); ok {
		tc.ParentSpanID = ro.Parent().SpanID()
	}

	return tc
}

// Attach adds the formatted trace and span id to rec. NoContext is accepted
// and adds nothing. A malformed context returns ErrInvalidContext and leaves
// rec untouched.
func (c *Correlator) Attach(rec Record, tc TraceContext) error {
	return c.attach(rec, tc, c.traceKey, c.spanKey)
}

// AttachSpan sets the trace and span id attributes on span.
func (c *Correlator) AttachSpan(span trace.Span) error {
	sc := span.SpanContext()
	return c.attach(SpanRecord{Span: span}, TraceContext{TraceID: sc.TraceID(), SpanID: sc.SpanID()}, c.traceAttr, c.spanAttr)
}

func (c *Correlator) attach(rec Record, tc TraceContext, traceKey, spanKey string) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if tc.IsEmpty() {
		return nil
	}

	rec.AddField(traceKey, FormatTraceID(tc.TraceID))
	rec.AddField(spanKey, FormatSpanID(tc.SpanID))

	return nil
}

// Correlatable is implemented by log-record-like types that can carry the
// identifiers of their unit of work.
type Correlatable[T any] interface {
	WithPropagation() T
}

// Propagate returns v with trace correlation applied.
func Propagate[T Correlatable[T]](v T) T {
	return v.WithPropagation()
}

// CorrelatedSpan is a span that can stamp its own ids as attributes.
type CorrelatedSpan struct {
	trace.Span
	correlator *Correlator
}

// Span wraps span for correlation.
func (c *Correlator) Span(span trace.Span) CorrelatedSpan {
	return CorrelatedSpan{Span: span, correlator: c}
}

// WithPropagation sets the trace and span id attributes and returns the span.
// Spans with a malformed context are logged and returned unchanged.
func (s CorrelatedSpan) WithPropagation() CorrelatedSpan {
	if err := s.correlator.AttachSpan(s.Span); err != nil {
		s.correlator.logger.Error(err, "skipping span correlation", "span_id", FormatSpanID(s.SpanContext().SpanID()))
	}
	return s
}

// CorrelatedLogger is a logger bound to the context of a unit of work.
type CorrelatedLogger struct {
	logr.Logger
	ctx        context.Context
	correlator *Correlator
}

// Logger binds logger to ctx for correlation.
func (c *Correlator) Logger(ctx context.Context, logger logr.Logger) CorrelatedLogger {
	return CorrelatedLogger{Logger: logger, ctx: ctx, correlator: c}
}

// WithPropagation returns the logger with the trace and span id of its
// context added as values.
func (l CorrelatedLogger) WithPropagation() CorrelatedLogger {
	logger := l.Logger
	if err := l.correlator.Attach(LoggerRecord{Logger: &logger}, l.correlator.CurrentContext(l.ctx)); err != nil {
		l.Logger.Error(err, "skipping trace correlation")
		return l
	}
	l.Logger = logger
	return l
}
