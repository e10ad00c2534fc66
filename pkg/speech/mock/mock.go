// Package mock provides an in-memory [speech.Engine] for unit tests.
//
// Utterances are recorded and finished by hand, mirroring audio/mock.
package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

// Utterance is one recorded Speak call.
type Utterance struct {
	types.Utterance

	sink *audio.EventSink
}

// Complete finishes the utterance naturally.
func (u *Utterance) Complete() { u.sink.Ended() }

// Fail finishes the utterance with err.
func (u *Utterance) Fail(err error) { u.sink.Failed(err) }

// Done reports whether the utterance's stream is closed.
func (u *Utterance) Done() bool { return u.sink.Done() }

// Engine is a mock implementation of [speech.Engine].
type Engine struct {
	mu sync.Mutex

	// VoiceList is returned by Voices.
	VoiceList []speech.Voice

	// VoicesErr, if non-nil, is returned by Voices.
	VoicesErr error

	// VoicesFunc, if set, replaces VoiceList/VoicesErr.
	VoicesFunc func(ctx context.Context) ([]speech.Voice, error)

	// SpeakErr, if non-nil, is returned synchronously by Speak.
	SpeakErr error

	// AutoComplete finishes every utterance as soon as it starts.
	AutoComplete bool

	utterances  []*Utterance
	current     *Utterance
	cancelCalls int
}

var _ speech.Engine = (*Engine)(nil)

// Speak implements speech.Engine.
func (e *Engine) Speak(ctx context.Context, u types.Utterance) (<-chan types.PlaybackEvent, error) {
	e.mu.Lock()
	if e.SpeakErr != nil {
		err := e.SpeakErr
		e.mu.Unlock()
		return nil, err
	}
	prev := e.current
	rec := &Utterance{Utterance: u, sink: audio.NewEventSink()}
	e.utterances = append(e.utterances, rec)
	e.current = rec
	auto := e.AutoComplete
	e.mu.Unlock()

	if prev != nil {
		prev.sink.Cancel()
	}
	rec.sink.Started()
	if auto {
		rec.sink.Ended()
		return rec.sink.C(), nil
	}
	go func() {
		<-ctx.Done()
		rec.sink.Cancel()
	}()
	return rec.sink.C(), nil
}

// Cancel implements speech.Engine.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelCalls++
	cur := e.current
	e.current = nil
	e.mu.Unlock()
	if cur != nil {
		cur.sink.Cancel()
	}
}

// Voices implements speech.Engine.
func (e *Engine) Voices(ctx context.Context) ([]speech.Voice, error) {
	e.mu.Lock()
	fn, list, err := e.VoicesFunc, e.VoiceList, e.VoicesErr
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make([]speech.Voice, len(list))
	copy(out, list)
	return out, nil
}

// Utterances returns a snapshot of all recorded Speak calls.
func (e *Engine) Utterances() []*Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Utterance, len(e.utterances))
	copy(out, e.utterances)
	return out
}

// CancelCalls returns how many times Cancel was called.
func (e *Engine) CancelCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCalls
}

// WaitForUtterances blocks until at least n utterances were recorded and
// returns the n-th one.
func (e *Engine) WaitForUtterances(t testing.TB, n int) *Utterance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.utterances) >= n {
			u := e.utterances[n-1]
			e.mu.Unlock()
			return u
		}
		e.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d utterances", n)
	return nil
}
