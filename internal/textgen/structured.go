package textgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/duologue/pkg/dialogue"
	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/types"
)

// Topic is a suggested discussion subject.
type Topic struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// DefaultTopics is served when topic suggestion fails.
var DefaultTopics = []Topic{
	{Title: "The future of remote work"},
	{Title: "Artificial intelligence in everyday life"},
	{Title: "Climate change solutions"},
	{Title: "The importance of digital literacy"},
	{Title: "Social media's impact on society"},
	{Title: "Space exploration in the 21st century"},
	{Title: "The future of education"},
	{Title: "Sustainable living practices"},
	{Title: "Technology and privacy concerns"},
	{Title: "The evolution of entertainment"},
}

// Summary is the end-of-session digest.
type Summary struct {
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"keyPoints"`
	Transcript string   `json:"transcript"`
	// Fallback is set when the summary was built locally because the
	// backend failed or answered with something unparseable.
	Fallback bool `json:"fallback,omitempty"`
}

var (
	jsonFence  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	listPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

// SuggestTopics asks the backend for ten topics. On failure or an
// unparseable answer it returns [DefaultTopics]; only a cancelled ctx is
// reported as an error.
func (g *Generator) SuggestTopics(ctx context.Context) ([]Topic, error) {
	text, err := g.complete(ctx, "topics", llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: topicsPrompt}},
		Temperature: 0.9,
		MaxTokens:   g.maxTokens,
		JSON:        true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("textgen: topic suggestion failed, using defaults", "err", err)
		return cloneTopics(DefaultTopics), nil
	}
	topics := parseTopics(text)
	if len(topics) == 0 {
		slog.Warn("textgen: could not parse topic suggestions, using defaults")
		return cloneTopics(DefaultTopics), nil
	}
	return topics, nil
}

// Summarize digests a finished discussion. The transcript is always built
// locally. On failure or an unparseable answer a generic summary is
// returned with Fallback set; only a cancelled ctx is reported as an error.
func (g *Generator) Summarize(ctx context.Context, topic string, segments []types.DialogueSegment) (*Summary, error) {
	transcript := dialogue.Format(segments)
	if len(segments) == 0 {
		return fallbackSummary(topic, transcript), nil
	}

	text, err := g.complete(ctx, "summary", llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: summaryPrompt(topic, transcript)}},
		Temperature: 0.3,
		MaxTokens:   g.maxTokens,
		JSON:        true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("textgen: summary failed, using fallback", "err", err)
		return fallbackSummary(topic, transcript), nil
	}

	var s Summary
	if err := json.Unmarshal([]byte(stripFence(text)), &s); err != nil || strings.TrimSpace(s.Summary) == "" {
		slog.Warn("textgen: could not parse summary, using fallback", "err", err)
		return fallbackSummary(topic, transcript), nil
	}
	s.Transcript = transcript
	s.Fallback = false
	return &s, nil
}

func fallbackSummary(topic, transcript string) *Summary {
	return &Summary{
		Summary:    fmt.Sprintf("This was a thoughtful discussion about %s with different perspectives presented.", topic),
		KeyPoints:  []string{"Multiple viewpoints were explored on this topic"},
		Transcript: transcript,
		Fallback:   true,
	}
}

// parseTopics accepts a JSON array of objects or strings, and otherwise
// falls back to one topic per line.
func parseTopics(text string) []Topic {
	text = stripFence(text)

	var objs []Topic
	if err := json.Unmarshal([]byte(text), &objs); err == nil {
		return cleanTopics(objs)
	}
	var titles []string
	if err := json.Unmarshal([]byte(text), &titles); err == nil {
		objs = make([]Topic, 0, len(titles))
		for _, t := range titles {
			objs = append(objs, Topic{Title: t})
		}
		return cleanTopics(objs)
	}
	if strings.HasPrefix(strings.TrimSpace(text), "[") || strings.HasPrefix(strings.TrimSpace(text), "{") {
		return nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(listPrefix.ReplaceAllString(line, ""), " \t\r\"*")
		if line != "" {
			objs = append(objs, Topic{Title: line})
		}
	}
	return cleanTopics(objs)
}

func cleanTopics(in []Topic) []Topic {
	out := make([]Topic, 0, len(in))
	for _, t := range in {
		t.Title = strings.TrimSpace(t.Title)
		t.Description = strings.TrimSpace(t.Description)
		if t.Title != "" {
			out = append(out, t)
		}
		if len(out) == 10 {
			break
		}
	}
	return out
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if m := jsonFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

func cloneTopics(in []Topic) []Topic {
	return append([]Topic(nil), in...)
}
