// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the generator sends correct
// CompletionRequests and to feed controlled responses without a live
// backend. Responses are consumed in order; once exhausted, the last entry
// is repeated.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []mock.Response{
//	        {Err: transientErr},
//	        {Content: "Alex: Hello!"},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duologue/pkg/provider/llm"
)

// Response is one scripted reply.
type Response struct {
	Content string
	Err     error
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses are returned by successive Complete calls.
	Responses []Response

	// CompleteFunc, if set, overrides Responses.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var r Response
	if n := len(p.CompleteCalls); len(p.Responses) > 0 {
		r = p.Responses[min(n, len(p.Responses))-1]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{Content: r.Content}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
