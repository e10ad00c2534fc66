// Package speech defines the local speech engine: a synchronous synthesizer
// that renders [types.Utterance] descriptors directly, without producing an
// intermediate audio buffer.
//
// The engine is an exclusive resource. Starting a new utterance cancels the
// one in flight, and [Engine.Cancel] silences everything. Event streams obey
// the same contract as [audio.Player]; see package audio.
package speech

import (
	"context"
	"strings"

	"github.com/MrWong99/duologue/pkg/types"
)

// Voice is one installed voice.
type Voice struct {
	// Name is the engine-specific identifier, passed back in Utterance.Voice.
	Name string `json:"name"`

	// Language is a BCP 47-ish tag such as "en-US" or "en". May be empty.
	Language string `json:"language,omitempty"`

	// Gender is "male", "female" or empty when the engine does not say.
	Gender string `json:"gender,omitempty"`
}

// Engine speaks utterances on the local machine (or in a connected browser).
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Speak starts u and returns its event stream. Any utterance already in
	// flight is cancelled first. Cancelling ctx cancels u.
	Speak(ctx context.Context, u types.Utterance) (<-chan types.PlaybackEvent, error)

	// Cancel silences the current utterance, if any. Its stream closes
	// without a terminal event.
	Cancel()

	// Voices lists installed voices. The list may be empty while the engine
	// is still loading.
	Voices(ctx context.Context) ([]Voice, error)
}

// NormalizeGender maps engine-specific gender markers to "male"/"female".
func NormalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man":
		return "male"
	case "f", "female", "woman":
		return "female"
	default:
		return ""
	}
}
