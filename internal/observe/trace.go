package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/talkback"

// Span attribute keys shared by the capture and playback paths.
const (
	AttrSession      = attribute.Key("talkback.session.id")
	AttrPayloadBytes = attribute.Key("talkback.payload.bytes")
	AttrChunks       = attribute.Key("talkback.payload.chunks")
	AttrFormat       = attribute.Key("talkback.audio.format")
)

type sessionKey struct{}

// WithSession tags ctx with a recording session id. Spans started from ctx
// and loggers built by [Logger] carry it.
func WithSession(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session id set by [WithSession].
func SessionFrom(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(sessionKey{}).(uint64)
	return id, ok
}

// StartSpan starts a span on the global tracer provider. A session id on ctx
// becomes the [AttrSession] attribute. The caller ends the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id, ok := SessionFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(AttrSession.Int64(int64(id))))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AnnotatePayload records the size of an assembled recording on span.
func AnnotatePayload(span trace.Span, bytes, chunks int) {
	span.SetAttributes(AttrPayloadBytes.Int(bytes), AttrChunks.Int(chunks))
}

// AnnotateClip records the container format and size of an inbound clip.
func AnnotateClip(span trace.Span, format string, bytes int) {
	span.SetAttributes(AttrFormat.String(format), AttrPayloadBytes.Int(bytes))
}

// Fail marks span as failed with err and returns err unchanged. A nil err
// leaves the span untouched.
func Fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// CorrelationID is the trace id of the span in ctx, or "" without one. The
// diagnostics server echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default() with the trace_id, span_id and session of
// ctx attached, when present.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if id, ok := SessionFrom(ctx); ok {
		attrs = append(attrs, "session", id)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
