// Package textgen produces the words of a discussion: full two-host scripts,
// comment acknowledgments, single persona turns, topic suggestions, and
// end-of-session summaries.
//
// A [Generator] sits on top of any [llm.Provider]. Every call goes through a
// bounded exponential-backoff retry. Failures are classified as transient
// (rate limits, overload, 5xx, network timeouts) or fatal (bad credentials,
// rejected requests, cancellation); only transient failures are retried.
// Returned errors match [ErrTransient] or [ErrFatal] with errors.Is.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/resilience"
	"github.com/MrWong99/duologue/pkg/dialogue"
	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/types"
)

var (
	// ErrTransient marks a failure that persisted after the retry budget was
	// spent. The last underlying error is wrapped alongside it.
	ErrTransient = errors.New("textgen: transient generation failure")

	// ErrFatal marks a failure that was not retried.
	ErrFatal = errors.New("textgen: fatal generation failure")

	// ErrEmptyResponse is returned by a backend that answered with no text.
	// It is treated as transient.
	ErrEmptyResponse = errors.New("textgen: empty response")
)

// Option configures a Generator.
type Option func(*Generator)

// WithRetry replaces the retry policy. Retryable is always set by the
// Generator; the other fields are honoured.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *Generator) { g.retry = cfg }
}

// WithTemperature sets the sampling temperature for discussion and persona
// prompts. Structured prompts (topics, summaries) always use a low value.
func WithTemperature(t float64) Option {
	return func(g *Generator) { g.temperature = t }
}

// WithMaxTokens caps the response length of every request.
func WithMaxTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// WithTurns sets how many lines a generated discussion should have.
func WithTurns(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.turns = n
		}
	}
}

// WithMetrics records generation metrics to m instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// Generator is safe for concurrent use.
type Generator struct {
	provider    llm.Provider
	retry       resilience.RetryConfig
	temperature float64
	maxTokens   int
	turns       int
	metrics     *observe.Metrics
}

// New returns a Generator backed by p.
func New(p llm.Provider, opts ...Option) (*Generator, error) {
	if p == nil {
		return nil, errors.New("textgen: provider must not be nil")
	}
	g := &Generator{
		provider:    p,
		temperature: 0.8,
		turns:       8,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g, nil
}

// Provider returns the backing text-generation provider.
func (g *Generator) Provider() llm.Provider { return g.provider }

// GenerateContent sends prompt as a single user turn and returns the reply.
func (g *Generator) GenerateContent(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("textgen: content: %w: empty prompt", ErrFatal)
	}
	return g.complete(ctx, "content", llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
}

// GenerateDiscussion writes a full script for topic as strictly alternating
// "Alex:" and "Jordan:" lines, starting with Alex.
func (g *Generator) GenerateDiscussion(ctx context.Context, topic, description string) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("textgen: discussion: %w: empty topic", ErrFatal)
	}
	return g.complete(ctx, "discussion", llm.CompletionRequest{
		SystemPrompt: hostsSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: discussionPrompt(topic, description, g.turns)}},
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	})
}

// AckRequest describes a listener comment to be woven into the discussion.
type AckRequest struct {
	Topic       string
	Description string
	Comment     string
	Author      string
	// Speaker acknowledges the comment and opens the continuation.
	Speaker types.Speaker
	// Recent is the tail of the transcript so far, oldest first.
	Recent []types.DialogueSegment
}

// Acknowledge writes a short exchange in which req.Speaker acknowledges the
// comment by name and the hosts carry the discussion on from there. The
// result uses the same labelled-line format as GenerateDiscussion.
func (g *Generator) Acknowledge(ctx context.Context, req AckRequest) (string, error) {
	if strings.TrimSpace(req.Comment) == "" {
		return "", fmt.Errorf("textgen: acknowledge: %w: empty comment", ErrFatal)
	}
	if !req.Speaker.Valid() {
		req.Speaker = types.SpeakerAlex
	}
	if req.Author == "" {
		req.Author = "Listener"
	}
	return g.complete(ctx, "acknowledge", llm.CompletionRequest{
		SystemPrompt: hostsSystemPrompt,
		Messages:     []types.Message{{Role: "user", Content: ackPrompt(req)}},
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	})
}

// HostReply produces the next single turn for speaker, in that host's
// persona, given the conversation so far.
func (g *Generator) HostReply(ctx context.Context, speaker types.Speaker, topic string, history []types.DialogueSegment) (string, error) {
	if !speaker.Valid() {
		return "", fmt.Errorf("textgen: host reply: %w: unknown speaker %q", ErrFatal, speaker)
	}
	text, err := g.complete(ctx, "host_reply", llm.CompletionRequest{
		SystemPrompt: personas[speaker],
		Messages:     []types.Message{{Role: "user", Content: replyPrompt(speaker, topic, history)}},
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	})
	if err != nil {
		return "", err
	}
	// Models sometimes echo their own label.
	if segs := dialogue.Parse(text); len(segs) == 1 && segs[0].Speaker == speaker {
		text = segs[0].Text
	}
	return text, nil
}

// ---- request plumbing ----

func (g *Generator) complete(ctx context.Context, op string, req llm.CompletionRequest) (string, error) {
	ctx, span := observe.StartSpan(ctx, "textgen."+op,
		trace.WithAttributes(attribute.String("llm.provider", g.provider.Name())))
	defer span.End()

	start := time.Now()
	cfg := g.retry
	cfg.Retryable = IsTransient
	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.metrics.RecordRetry(ctx, op)
		observe.Logger(ctx).Warn("textgen: transient failure, retrying",
			"op", op, "provider", g.provider.Name(), "attempt", attempt, "delay", delay, "err", err)
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}

	text, err := resilience.RetryWithResult(ctx, cfg, func(ctx context.Context) (string, error) {
		resp, err := g.provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(resp.Content)
		if s == "" {
			return "", ErrEmptyResponse
		}
		return s, nil
	})
	g.metrics.RecordGeneration(ctx, op, g.provider.Name(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		kind := ErrFatal
		var exhausted *resilience.ExhaustedError
		if errors.As(err, &exhausted) {
			kind = ErrTransient
		}
		return "", fmt.Errorf("textgen: %s: %w: %w", op, kind, err)
	}
	slog.Debug("textgen: generated", "op", op, "provider", g.provider.Name(), "chars", len(text), "took", time.Since(start))
	return text, nil
}
