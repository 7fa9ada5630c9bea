// Package tracing implements W3C Trace Context propagation for the control
// plane. It carries trace identity across hops with the traceparent and
// baggage headers and hands finished spans to a pluggable Sink; storing or
// querying spans is somebody else's job.
package tracing

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SpanData is one finished span as handed to the Sink.
type SpanData struct {
	TraceID      string            `json:"traceId"`
	SpanID       string            `json:"spanId"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Service      string            `json:"service"`
	Name         string            `json:"name"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Sink receives finished spans. Implementations must not block; the caller is
// on the request path.
type Sink interface {
	Record(span SpanData)
}

// NopSink discards spans.
type NopSink struct{}

func (NopSink) Record(SpanData) {}

// Tracer derives and propagates trace context for one service.
type Tracer struct {
	service string
	sink    Sink
	prop    propagation.TextMapPropagator
	now     func() time.Time // for testing
}

// New creates a Tracer recording to sink. A nil sink discards spans.
func New(service string, sink Sink) *Tracer {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracer{
		service: service,
		sink:    sink,
		prop: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		now: time.Now,
	}
}

// Extract reads traceparent and baggage from the headers into a context. A
// missing or malformed traceparent leaves the context without a span context;
// StartSpan then opens a new root.
func (t *Tracer) Extract(ctx context.Context, header http.Header) context.Context {
	return t.prop.Extract(ctx, propagation.HeaderCarrier(header))
}

// Inject writes the current trace context and baggage into the headers.
func (t *Tracer) Inject(ctx context.Context, header http.Header) {
	t.prop.Inject(ctx, propagation.HeaderCarrier(header))
}

// StartSpan opens a span under the context's trace. With a valid incoming
// span context the new span is its child: same traceId, fresh spanId,
// parentSpanId set to the incoming spanId. Otherwise a new sampled root is
// created. The returned context carries the new span context for Inject.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := trace.SpanContextFromContext(ctx)

	cfg := trace.SpanContextConfig{SpanID: newSpanID()}
	parentID := ""
	if parent.IsValid() {
		cfg.TraceID = parent.TraceID()
		cfg.TraceFlags = parent.TraceFlags()
		parentID = parent.SpanID().String()
	} else {
		cfg.TraceID = newTraceID()
		cfg.TraceFlags = trace.FlagsSampled
	}

	sc := trace.NewSpanContext(cfg)
	span := &Span{
		tracer: t,
		data: SpanData{
			TraceID:      sc.TraceID().String(),
			SpanID:       sc.SpanID().String(),
			ParentSpanID: parentID,
			Service:      t.service,
			Name:         name,
			StartTime:    t.now().UTC(),
		},
	}
	return trace.ContextWithSpanContext(ctx, sc), span
}

// TraceID returns the hex trace id carried by the context, or "" when the
// context has no valid trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// BaggageValue returns the value of one baggage member, or "".
func BaggageValue(ctx context.Context, key string) string {
	return baggage.FromContext(ctx).Member(key).Value()
}

// WithBaggage adds or replaces one baggage member on the context. The value
// is taken raw; percent-encoding happens on the wire.
func WithBaggage(ctx context.Context, key, value string) (context.Context, error) {
	member, err := baggage.NewMemberRaw(key, value)
	if err != nil {
		return ctx, err
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx, err
	}
	return baggage.ContextWithBaggage(ctx, bag), nil
}

// Span is an open span. End hands it to the sink exactly once.
type Span struct {
	tracer *Tracer
	data   SpanData
	ended  bool
}

// SetAttribute attaches a string attribute to the span.
func (s *Span) SetAttribute(key, value string) {
	if s.data.Attributes == nil {
		s.data.Attributes = make(map[string]string)
	}
	s.data.Attributes[key] = value
}

// SetError marks the span as failed.
func (s *Span) SetError(err error) {
	if err != nil {
		s.data.Error = err.Error()
	}
}

// End closes the span and records it.
func (s *Span) End() {
	if s.ended {
		return
	}
	s.ended = true
	s.data.EndTime = s.tracer.now().UTC()
	s.tracer.sink.Record(s.data)
}

// TraceID returns the span's hex trace id.
func (s *Span) TraceID() string { return s.data.TraceID }

// SpanID returns the span's hex span id.
func (s *Span) SpanID() string { return s.data.SpanID }

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		rand.Read(id[:])
	}
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		rand.Read(id[:])
	}
	return id
}
