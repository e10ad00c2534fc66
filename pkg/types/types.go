// Package types defines the shared types used across all duologue packages.
//
// These types form the lingua franca between the dialogue parser, voice
// providers, the playback sequencer, and the comment flow. They are kept
// minimal; each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"fmt"
	"strings"
)

// Speaker identifies one of the two discussion hosts. The zero value is not a
// valid speaker; use [SpeakerAlex] as the default when a speaker is ambiguous.
type Speaker string

const (
	// SpeakerAlex is the first host. Parsing and alternation start with Alex.
	SpeakerAlex Speaker = "alex"

	// SpeakerJordan is the second host.
	SpeakerJordan Speaker = "jordan"
)

// Speakers lists both hosts in discussion order.
var Speakers = [2]Speaker{SpeakerAlex, SpeakerJordan}

// Valid reports whether s is one of the two hosts.
func (s Speaker) Valid() bool {
	return s == SpeakerAlex || s == SpeakerJordan
}

// Other returns the opposite host. An invalid speaker maps to [SpeakerAlex].
func (s Speaker) Other() Speaker {
	if s == SpeakerAlex {
		return SpeakerJordan
	}
	return SpeakerAlex
}

// DisplayName returns the capitalised host name used in prompts and labels
// ("Alex", "Jordan").
func (s Speaker) DisplayName() string {
	switch s {
	case SpeakerAlex:
		return "Alex"
	case SpeakerJordan:
		return "Jordan"
	default:
		return string(s)
	}
}

// String implements [fmt.Stringer].
func (s Speaker) String() string { return string(s) }

// ParseSpeaker converts a case-insensitive host name into a [Speaker].
func ParseSpeaker(name string) (Speaker, error) {
	switch Speaker(strings.ToLower(strings.TrimSpace(name))) {
	case SpeakerAlex:
		return SpeakerAlex, nil
	case SpeakerJordan:
		return SpeakerJordan, nil
	}
	return "", fmt.Errorf("types: unknown speaker %q", name)
}

// DialogueSegment is one speaker turn produced by the dialogue parser. Segments
// are values; their order within a discussion is significant and is preserved
// from parsing through playback.
type DialogueSegment struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Media is the playable representation of a single line. It is a closed sum
// type: the only implementations are [EncodedAudio] and [Utterance]. Consumers
// must handle both variants with a type switch.
type Media interface {
	isMedia()
}

// EncodedAudio is an opaque encoded audio buffer (for example an MP3 file)
// playable by a generic audio player.
type EncodedAudio struct {
	// Data holds the encoded bytes. Never modified after creation.
	Data []byte

	// MIMEType describes the encoding, e.g. "audio/mpeg".
	MIMEType string
}

func (EncodedAudio) isMedia() {}

// Utterance is a deferred synthesis request for the local speech engine. It
// carries everything the engine needs to speak the text without any network
// round trip.
type Utterance struct {
	// Text is spoken verbatim.
	Text string `json:"text"`

	// Voice is the engine-specific voice identifier chosen for the speaker.
	// Empty lets the engine pick its default voice.
	Voice string `json:"voice,omitempty"`

	// Rate is the speaking rate multiplier; 1.0 is the engine's normal rate.
	Rate float64 `json:"rate"`

	// Pitch is the pitch multiplier in [0, 2]; 1.0 is the engine default.
	Pitch float64 `json:"pitch"`

	// Volume is in [0, 1].
	Volume float64 `json:"volume"`
}

func (Utterance) isMedia() {}

// PlayableItem is one entry of the playback queue. Exactly one media variant
// is carried, determined by the voice provider that produced it.
type PlayableItem struct {
	Speaker Speaker
	Text    string
	Media   Media
}

// MediaKind returns a short label for the item's media variant, used in logs
// and status payloads.
func (it PlayableItem) MediaKind() string {
	switch it.Media.(type) {
	case EncodedAudio:
		return "audio"
	case Utterance:
		return "utterance"
	default:
		return "none"
	}
}

// EventKind classifies a [PlaybackEvent].
type EventKind int

const (
	// EventStarted signals that audible output began. Optional.
	EventStarted EventKind = iota

	// EventEnded signals natural completion. Terminal.
	EventEnded

	// EventFailed signals a decode or engine error. Terminal; Err is set.
	EventFailed
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventEnded:
		return "ended"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PlaybackEvent is emitted by audio players and speech engines while a single
// media item plays. A playback channel carries an optional [EventStarted],
// then at most one terminal event, and is then closed. A channel closed
// without a terminal event means playback was cancelled.
type PlaybackEvent struct {
	Kind EventKind
	Err  error
}

// Message represents a single message in a text-generation conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}
