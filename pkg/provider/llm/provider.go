// Package llm defines the Provider interface for text-generation backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic,
// Gemini, a local Ollama instance, ...) and exposes a single completion call so
// the discussion generator never couples to a specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"fmt"

	"github.com/MrWong99/duologue/pkg/types"
)

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// usually from the "user" role and drives the response.
	Messages []types.Message

	// SystemPrompt is an optional instruction placed before the history.
	// Providers without a dedicated system field prepend it as a "system"
	// message.
	SystemPrompt string

	// Temperature controls randomness in [0.0, 2.0]. Zero leaves the provider
	// default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSON asks the backend to answer with a single JSON object when it
	// supports a structured response mode. Callers still validate the output.
	JSON bool
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend and model in logs and status payloads,
	// e.g. "openai/gpt-4o-mini".
	Name() string
}

// APIError is returned by providers when the backend answered with an
// HTTP-like status. StatusCode is 0 when no status was available.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }
