// Package mock provides an in-memory [audio.Player] for unit tests.
//
// Each Play call is recorded as a [Playback] that the test finishes by hand
// (Complete/Fail), which makes sequencing tests deterministic. Set
// AutoComplete to finish every item immediately instead.
//
// Typical usage:
//
//	p := &mock.Player{}
//	seq := playback.New(p, engine)
//	seq.Start(items)
//	p.WaitForPlays(t, 1)
//	p.Last().Complete()
package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/types"
)

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is one recorded Play call.
type Playback struct {
	Audio types.EncodedAudio

	sink      *audio.EventSink
	mu        sync.Mutex
	cancelled bool
}

// Complete finishes the item naturally.
func (pb *Playback) Complete() { pb.sink.Ended() }

// Fail finishes the item with err.
func (pb *Playback) Fail(err error) { pb.sink.Failed(err) }

// Cancelled reports whether the item's context was cancelled before it
// finished.
func (pb *Playback) Cancelled() bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.cancelled
}

// Done reports whether the item's event stream is closed.
func (pb *Playback) Done() bool { return pb.sink.Done() }

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned synchronously by every Play call.
	PlayErr error

	// AutoComplete finishes every item as soon as it starts.
	AutoComplete bool

	plays []*Playback
}

var _ audio.Player = (*Player)(nil)

// Play implements audio.Player.
func (p *Player) Play(ctx context.Context, a types.EncodedAudio) (<-chan types.PlaybackEvent, error) {
	p.mu.Lock()
	if p.PlayErr != nil {
		err := p.PlayErr
		p.mu.Unlock()
		return nil, err
	}
	pb := &Playback{Audio: a, sink: audio.NewEventSink()}
	p.plays = append(p.plays, pb)
	auto := p.AutoComplete
	p.mu.Unlock()

	pb.sink.Started()
	if auto {
		pb.sink.Ended()
		return pb.sink.C(), nil
	}
	go func() {
		<-ctx.Done()
		if !pb.sink.Done() {
			pb.mu.Lock()
			pb.cancelled = true
			pb.mu.Unlock()
		}
		pb.sink.Cancel()
	}()
	return pb.sink.C(), nil
}

// Plays returns a snapshot of all recorded Play calls.
func (p *Player) Plays() []*Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Playback, len(p.plays))
	copy(out, p.plays)
	return out
}

// Count returns how many times Play succeeded.
func (p *Player) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

// Last returns the most recent playback, or nil.
func (p *Player) Last() *Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.plays) == 0 {
		return nil
	}
	return p.plays[len(p.plays)-1]
}

// WaitForPlays blocks until at least n Play calls were recorded and returns
// the n-th one. It fails the test after two seconds.
func (p *Player) WaitForPlays(t testing.TB, n int) *Playback {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.plays) >= n {
			pb := p.plays[n-1]
			p.mu.Unlock()
			return pb
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d plays (got %d)", n, p.Count())
	return nil
}
