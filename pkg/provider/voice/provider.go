// Package voice defines the Provider interface for speech backends.
//
// A voice provider turns a line of dialogue and a host identity into playable
// media. Cloud backends (ElevenLabs, OpenAI, Google Cloud Text-to-Speech)
// return encoded audio bytes; the local backend returns a [types.Utterance]
// descriptor that a synchronous speech engine speaks later. Consumers branch on
// the [types.Media] variant rather than on the provider.
//
// Implementors must be safe for concurrent use. Every method must honour
// context cancellation.
package voice

import (
	"context"

	"github.com/MrWong99/duologue/pkg/types"
)

// ID is the stable identifier of a voice backend, used in configuration, the
// provider selector, and the HTTP API.
type ID string

const (
	IDElevenLabs ID = "elevenlabs"
	IDOpenAI     ID = "openai"
	IDGoogle     ID = "google"
	IDLocal      ID = "local"
)

// DefaultOrder is the fallback priority used by the provider selector. The
// local backend needs no credentials and is always last.
var DefaultOrder = []ID{IDElevenLabs, IDOpenAI, IDGoogle, IDLocal}

// SpeechGenerator is the single-line synthesis capability. It is split out of
// [Provider] so the batch helpers in this package can be reused by every
// backend.
type SpeechGenerator interface {
	// GenerateSpeech produces playable media for one line spoken by speaker.
	// The full text is synthesized; implementations must never truncate it.
	//
	// Failures are returned as *[ProviderError], identifying the speaker and a
	// shortened copy of the text for diagnostics.
	GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error)
}

// Provider is the abstraction over any speech backend.
type Provider interface {
	SpeechGenerator

	// GenerateDiscussionAudio parses rawText into speaker turns and
	// synthesizes each of them, returning items in parse order.
	//
	// If any turn fails the whole call fails with a *[SynthesisError] and no
	// items are returned; a short result is never produced. Empty input
	// yields an empty result and a nil error.
	GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error)

	// TestConnection is a cheap reachability probe. It never returns an
	// error; any failure is reported as false.
	TestConnection(ctx context.Context) bool

	// Name returns a human-readable identity that includes the voices in use,
	// e.g. "OpenAI TTS (onyx / nova)".
	Name() string
}

// Voice describes one voice a backend offers.
type Voice struct {
	// ID is what the backend's configuration expects, e.g. an ElevenLabs
	// voice id or an installed engine voice name.
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Category string            `json:"category,omitempty"`
	Language string            `json:"language,omitempty"`
	Gender   string            `json:"gender,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Lister is implemented by providers that can enumerate their voices.
type Lister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}
