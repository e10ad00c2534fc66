// Package audio defines the output side of discussion playback: a [Player]
// that renders encoded audio and reports its progress as a stream of
// [types.PlaybackEvent] values.
//
// Event streams follow one contract everywhere in duologue, shared with
// speech engines:
//
//   - at most one [types.EventStarted],
//   - then at most one terminal [types.EventEnded] or [types.EventFailed],
//   - then the channel is closed.
//
// A channel that closes without a terminal event was cancelled (its context
// was cancelled or the output was taken over by a newer item).
//
// Implementations live in sub-packages: audio/speaker plays on the local
// output device and internal/bridge forwards audio to a connected browser.
package audio

import (
	"context"
	"sync"

	"github.com/MrWong99/duologue/pkg/types"
)

// Player renders encoded audio.
//
// Implementations must be safe for concurrent use. A Player is an exclusive
// resource: starting a new Play takes over the output and cancels any item
// that is still playing.
type Player interface {
	// Play starts rendering a and returns its event stream. Cancelling ctx
	// stops the output; the returned channel then closes without a terminal
	// event. An error is returned only when playback could not start at all
	// (undecodable data, no output device).
	Play(ctx context.Context, a types.EncodedAudio) (<-chan types.PlaybackEvent, error)
}

// EventSink is the producer side of a playback event stream. It enforces the
// stream contract so producers may call its methods from callbacks without
// coordinating: everything after the first terminal call is ignored.
type EventSink struct {
	mu      sync.Mutex
	ch      chan types.PlaybackEvent
	started bool
	closed  bool
}

// NewEventSink returns a sink whose channel never blocks the producer.
func NewEventSink() *EventSink {
	return &EventSink{ch: make(chan types.PlaybackEvent, 2)}
}

// C returns the consumer side of the stream.
func (s *EventSink) C() <-chan types.PlaybackEvent { return s.ch }

// Started emits EventStarted once.
func (s *EventSink) Started() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return
	}
	s.started = true
	s.ch <- types.PlaybackEvent{Kind: types.EventStarted}
}

// Ended emits EventEnded and closes the stream.
func (s *EventSink) Ended() {
	s.finish(&types.PlaybackEvent{Kind: types.EventEnded})
}

// Failed emits EventFailed carrying err and closes the stream.
func (s *EventSink) Failed(err error) {
	s.finish(&types.PlaybackEvent{Kind: types.EventFailed, Err: err})
}

// Cancel closes the stream without a terminal event.
func (s *EventSink) Cancel() {
	s.finish(nil)
}

// Done reports whether the stream has been closed.
func (s *EventSink) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *EventSink) finish(ev *types.PlaybackEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if ev != nil {
		s.ch <- *ev
	}
	close(s.ch)
}

// Wait consumes ch until it closes and returns the terminal event. ok is false
// when the stream was cancelled.
func Wait(ch <-chan types.PlaybackEvent) (ev types.PlaybackEvent, ok bool) {
	for e := range ch {
		if e.Kind != types.EventStarted {
			ev, ok = e, true
		}
	}
	return ev, ok
}
