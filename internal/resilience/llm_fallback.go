package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/duologue/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple text-generation backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. The entry is named after primary.Name().
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(provider llm.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Complete sends the request to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name lists the chain, e.g. "openai/gpt-4o-mini > gemini/gemini-1.5-flash".
func (f *LLMFallback) Name() string {
	return strings.Join(f.group.Names(), " > ")
}

// Breakers reports each backend's circuit breaker state.
func (f *LLMFallback) Breakers() map[string]State {
	return f.group.Breakers()
}
