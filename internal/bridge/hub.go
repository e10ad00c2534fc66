package bridge

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

// Hub tracks the bridges of all browser sessions and acts as a
// [speech.Engine] backed by the most recently connected page. The local
// voice provider is built on a Hub so it can pick voices from what the
// browsers actually have installed, even before any session exists.
type Hub struct {
	mu      sync.Mutex
	bridges []*Bridge // least recently attached first
	voices  []speech.Voice
}

var _ speech.Engine = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub { return &Hub{} }

// NewBridge creates a bridge registered with h. Closing the bridge removes
// it again.
func (h *Hub) NewBridge(opts ...Option) *Bridge {
	b := New(opts...)
	b.hub = h
	h.mu.Lock()
	h.bridges = append(h.bridges, b)
	h.mu.Unlock()
	return b
}

// Len returns the number of registered bridges.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

func (h *Hub) attached(b *Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.Index(h.bridges, b); i >= 0 {
		h.bridges = append(slices.Delete(h.bridges, i, i+1), b)
	}
}

func (h *Hub) remove(b *Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridges = slices.DeleteFunc(h.bridges, func(x *Bridge) bool { return x == b })
}

func (h *Hub) setVoices(v []speech.Voice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voices = slices.Clone(v)
}

// latest returns the most recently attached bridge that still has a page.
func (h *Hub) latest() *Bridge {
	h.mu.Lock()
	bridges := slices.Clone(h.bridges)
	h.mu.Unlock()
	for i := len(bridges) - 1; i >= 0; i-- {
		if bridges[i].Connected() {
			return bridges[i]
		}
	}
	return nil
}

// Speak implements speech.Engine on the latest page.
func (h *Hub) Speak(ctx context.Context, u types.Utterance) (<-chan types.PlaybackEvent, error) {
	b := h.latest()
	if b == nil {
		return nil, ErrNotConnected
	}
	return b.Speak(ctx, u)
}

// Cancel implements speech.Engine.
func (h *Hub) Cancel() {
	if b := h.latest(); b != nil {
		b.Cancel()
	}
}

// Voices implements speech.Engine. Without a connected page it returns the
// last catalog any page reported, which is empty until the first page
// connects.
func (h *Hub) Voices(ctx context.Context) ([]speech.Voice, error) {
	if b := h.latest(); b != nil {
		v, err := b.Voices(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := slices.Clone(h.voices)
	if out == nil {
		out = []speech.Voice{}
	}
	return out, nil
}
