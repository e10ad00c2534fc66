// Package mock provides a test double for the voice.Provider interface.
//
// By default every line synthesizes to an [types.EncodedAudio] whose bytes are
// the line's text, so tests can assert ordering on the produced media.
//
// Example:
//
//	p := &mock.Provider{ProviderName: "Mock (A / B)", Available: true}
//	items, _ := p.GenerateDiscussionAudio(ctx, "Alex: hi\nJordan: hey")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

// SpeechCall records a single invocation of GenerateSpeech.
type SpeechCall struct {
	Text    string
	Speaker types.Speaker
}

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderName is returned by Name. Defaults to "Mock Voice".
	ProviderName string

	// Available is returned by TestConnection.
	Available bool

	// Utterances makes GenerateSpeech return [types.Utterance] descriptors
	// instead of encoded audio.
	Utterances bool

	// SpeechErr, if non-nil, is returned by every GenerateSpeech call.
	SpeechErr error

	// GenerateFunc, if set, replaces the default GenerateSpeech behaviour.
	GenerateFunc func(ctx context.Context, text string, speaker types.Speaker) (types.Media, error)

	// TestConnectionFunc, if set, replaces the Available field.
	TestConnectionFunc func(ctx context.Context) bool

	// VoiceList is returned by ListVoices.
	VoiceList []voice.Voice

	// ListErr, if non-nil, is returned by ListVoices.
	ListErr error

	// Parallelism is passed to voice.WithParallelism by
	// GenerateDiscussionAudio. Zero means sequential.
	Parallelism int

	// --- Call records ---

	// SpeechCalls records every GenerateSpeech call in order.
	SpeechCalls []SpeechCall

	// DiscussionCalls records the raw text of every GenerateDiscussionAudio call.
	DiscussionCalls []string

	// TestConnectionCalls counts TestConnection calls.
	TestConnectionCalls int
}

var (
	_ voice.Provider = (*Provider)(nil)
	_ voice.Lister   = (*Provider)(nil)
)

// ListVoices implements voice.Lister.
func (p *Provider) ListVoices(context.Context) ([]voice.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	out := make([]voice.Voice, len(p.VoiceList))
	copy(out, p.VoiceList)
	return out, nil
}

// GenerateSpeech implements voice.Provider.
func (p *Provider) GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error) {
	p.mu.Lock()
	p.SpeechCalls = append(p.SpeechCalls, SpeechCall{Text: text, Speaker: speaker})
	fn := p.GenerateFunc
	err := p.SpeechErr
	utter := p.Utterances
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, speaker)
	}
	if err != nil {
		return nil, err
	}
	if utter {
		return types.Utterance{Text: text, Voice: string(speaker), Rate: 1, Pitch: 1, Volume: 1}, nil
	}
	return types.EncodedAudio{Data: []byte(text), MIMEType: "audio/mpeg"}, nil
}

// GenerateDiscussionAudio implements voice.Provider.
func (p *Provider) GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error) {
	p.mu.Lock()
	p.DiscussionCalls = append(p.DiscussionCalls, rawText)
	n := p.Parallelism
	p.mu.Unlock()

	return voice.GenerateDiscussion(ctx, p, rawText, voice.WithParallelism(n))
}

// TestConnection implements voice.Provider.
func (p *Provider) TestConnection(ctx context.Context) bool {
	p.mu.Lock()
	p.TestConnectionCalls++
	fn := p.TestConnectionFunc
	ok := p.Available
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return ok
}

// Name implements voice.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "Mock Voice"
	}
	return p.ProviderName
}

// Calls returns a snapshot of recorded GenerateSpeech calls.
func (p *Provider) Calls() []SpeechCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SpeechCall, len(p.SpeechCalls))
	copy(out, p.SpeechCalls)
	return out
}

// Reset clears all recorded calls. Configured responses are kept.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SpeechCalls = nil
	p.DiscussionCalls = nil
	p.TestConnectionCalls = 0
}
