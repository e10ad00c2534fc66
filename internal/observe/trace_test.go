package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider globally for the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func sessionAttr(s sdktrace.ReadOnlySpan) string {
	for _, a := range s.Attributes() {
		if a.Key == AttrSessionID {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestWithSession(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if WithSession(ctx, "") != ctx {
		t.Error("an empty id should leave the context untouched")
	}
	if got := SessionID(WithSession(ctx, "s-1")); got != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTracer(t)

	ctx := WithSession(context.Background(), "6f1c")
	gctx, generate := StartSpan(ctx, SpanSessionGenerate)
	_, child := StartSpan(gctx, "textgen.discussion")
	child.End()
	generate.End()
	_, bare := StartSpan(context.Background(), SpanCommentProcess)
	bare.End()

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	want := map[string]string{
		"textgen.discussion": "6f1c",
		SpanSessionGenerate:  "6f1c",
		SpanCommentProcess:   "",
	}
	for _, s := range spans {
		if got := sessionAttr(s); got != want[s.Name()] {
			t.Errorf("%s session attribute = %q, want %q", s.Name(), got, want[s.Name()])
		}
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("textgen span should be a child of session.generate")
	}
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}
	ctx, span := StartSpan(context.Background(), SpanCommentProcess)
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex characters", cid)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "no span no session",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "comment span in a session",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSession(context.Background(), "s-42"), SpanCommentProcess)
				return ctx, func() { span.End() }
			},
			want: []string{"trace_id=", "span_id=", "session_id=s-42"},
		},
		{
			name: "session without span",
			ctx: func() (context.Context, func()) {
				return WithSession(context.Background(), "s-7"), func() {}
			},
			want:    []string{"session_id=s-7"},
			notWant: []string{"trace_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, end := tt.ctx()
			defer end()

			Logger(ctx).Info("comments: integrated")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}

func TestEnrich_KeepsLoggerAttributes(t *testing.T) {
	useTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "s-9")

	ctx, span := StartSpan(WithSession(context.Background(), "s-9"), SpanSessionPreview)
	Enrich(ctx, base).Info("session: preview")
	span.End()

	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "session_id=s-9") {
		t.Errorf("log = %q", out)
	}
	if n := strings.Count(out, "session_id"); n != 1 {
		t.Errorf("session_id logged %d times, want 1", n)
	}

	buf.Reset()
	if Enrich(context.Background(), base) != base {
		t.Error("Enrich without a span should return the logger unchanged")
	}
}
