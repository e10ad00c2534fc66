package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/duologue"

// Span names of the discussion pipeline. Text generation spans are named
// "textgen.<operation>".
const (
	SpanSessionGenerate = "session.generate"
	SpanSessionPreview  = "session.preview"
	SpanCommentProcess  = "comments.process"
)

// AttrSessionID is the span attribute carrying the discussion session.
const AttrSessionID = attribute.Key("duologue.session.id")

type sessionKey struct{}

// WithSession returns a context tagged with a discussion session id. Spans
// started from it carry [AttrSessionID] and [Logger] adds session_id.
func WithSession(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id set by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Tracer returns the duologue tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the session in ctx, if any. The
// caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(AttrSessionID.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the trace, span and session of
// ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	l := Enrich(ctx, slog.Default())
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}

// Enrich adds trace_id and span_id from ctx to l. Loggers that already
// name their session use it instead of [Logger].
func Enrich(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
