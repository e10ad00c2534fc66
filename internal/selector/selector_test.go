package selector_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/duologue/internal/selector"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/provider/voice/mock"
)

func providers(avail map[voice.ID]bool) map[voice.ID]voice.Provider {
	out := make(map[voice.ID]voice.Provider, len(avail))
	for id, ok := range avail {
		out[id] = &mock.Provider{ProviderName: string(id), Available: ok}
	}
	return out
}

func TestNew_RequiresLocal(t *testing.T) {
	t.Parallel()

	_, err := selector.New(providers(map[voice.ID]bool{voice.IDOpenAI: true}))
	if err == nil {
		t.Fatal("expected error without local provider")
	}
}

func TestNew_DefaultsToLocal(t *testing.T) {
	t.Parallel()

	s, err := selector.New(providers(map[voice.ID]bool{voice.IDLocal: true, voice.IDOpenAI: true}))
	if err != nil {
		t.Fatal(err)
	}
	if id, p := s.Current(); id != voice.IDLocal || p == nil {
		t.Errorf("Current = %q, %v", id, p)
	}
}

func TestNew_Order(t *testing.T) {
	t.Parallel()

	all := providers(map[voice.ID]bool{
		voice.IDLocal: true, voice.IDOpenAI: true, voice.IDGoogle: true,
	})
	s, err := selector.New(all, selector.WithOrder(voice.IDGoogle, "ghost", voice.IDGoogle))
	if err != nil {
		t.Fatal(err)
	}
	want := []voice.ID{voice.IDGoogle, voice.IDOpenAI, voice.IDLocal}
	if got := s.Order(); !slices.Equal(got, want) {
		t.Errorf("Order = %v, want %v", got, want)
	}
}

func TestSetProvider_Unknown(t *testing.T) {
	t.Parallel()

	s, _ := selector.New(providers(map[voice.ID]bool{voice.IDLocal: true}))
	err := s.SetProvider(voice.IDElevenLabs)
	if !errors.Is(err, selector.ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
	if id, _ := s.Current(); id != voice.IDLocal {
		t.Errorf("Current changed to %q", id)
	}
}

func TestSubscribe_NotifiedAfterMutation(t *testing.T) {
	t.Parallel()

	s, _ := selector.New(providers(map[voice.ID]bool{voice.IDLocal: true, voice.IDOpenAI: true}))

	var seen []voice.ID
	var order []int
	s.Subscribe(func(c selector.Change) {
		// The selector must already report the new provider.
		id, _ := s.Current()
		seen = append(seen, id)
		order = append(order, 1)
		if c.Previous != voice.IDLocal || c.Current != voice.IDOpenAI || c.Provider == nil {
			t.Errorf("unexpected change %+v", c)
		}
	})
	s.Subscribe(func(selector.Change) { order = append(order, 2) })

	if err := s.SetProvider(voice.IDOpenAI); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(seen, []voice.ID{voice.IDOpenAI}) {
		t.Errorf("subscriber saw %v", seen)
	}
	if !slices.Equal(order, []int{1, 2}) {
		t.Errorf("notification order = %v", order)
	}

	// Same provider again is a no-op.
	_ = s.SetProvider(voice.IDOpenAI)
	if len(order) != 2 {
		t.Errorf("no-op switch notified subscribers")
	}
}

func TestSubscribe_UnsubscribeIsolated(t *testing.T) {
	t.Parallel()

	s, _ := selector.New(providers(map[voice.ID]bool{voice.IDLocal: true, voice.IDOpenAI: true}))

	var a, b int
	unsubA := s.Subscribe(func(selector.Change) { a++ })
	s.Subscribe(func(selector.Change) { b++ })

	unsubA()
	unsubA() // idempotent
	_ = s.SetProvider(voice.IDOpenAI)

	if a != 0 || b != 1 {
		t.Errorf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestProbe_ConcurrentAndOrdered(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	slow := func(ok bool) func(context.Context) bool {
		return func(context.Context) bool {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return ok
		}
	}
	ps := map[voice.ID]voice.Provider{
		voice.IDElevenLabs: &mock.Provider{ProviderName: "el", TestConnectionFunc: slow(false)},
		voice.IDOpenAI:     &mock.Provider{ProviderName: "oa", TestConnectionFunc: slow(true)},
		voice.IDGoogle:     &mock.Provider{ProviderName: "gg", TestConnectionFunc: slow(true)},
		voice.IDLocal:      &mock.Provider{ProviderName: "lo", TestConnectionFunc: slow(false)},
	}
	s, _ := selector.New(ps)

	results := s.Probe(context.Background())
	if peak.Load() < 2 {
		t.Errorf("probes did not overlap (peak %d)", peak.Load())
	}

	want := []selector.Availability{
		{Provider: voice.IDElevenLabs, Name: "el", Available: false},
		{Provider: voice.IDOpenAI, Name: "oa", Available: true},
		{Provider: voice.IDGoogle, Name: "gg", Available: true},
		{Provider: voice.IDLocal, Name: "lo", Available: true},
	}
	if !slices.Equal(results, want) {
		t.Errorf("Probe = %+v, want %+v", results, want)
	}

	last, at := s.LastProbe()
	if !slices.Equal(last, want) || at.IsZero() {
		t.Errorf("LastProbe = %+v at %v", last, at)
	}
}

func TestProbeAndSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		avail   map[voice.ID]bool
		current voice.ID
		want    voice.ID
	}{
		{
			name:    "keeps available current",
			avail:   map[voice.ID]bool{voice.IDElevenLabs: true, voice.IDOpenAI: true, voice.IDLocal: true},
			current: voice.IDOpenAI,
			want:    voice.IDOpenAI,
		},
		{
			name:    "falls back in priority order",
			avail:   map[voice.ID]bool{voice.IDElevenLabs: false, voice.IDOpenAI: false, voice.IDGoogle: true, voice.IDLocal: true},
			current: voice.IDElevenLabs,
			want:    voice.IDGoogle,
		},
		{
			name:    "ends at local",
			avail:   map[voice.ID]bool{voice.IDElevenLabs: false, voice.IDOpenAI: false, voice.IDLocal: false},
			current: voice.IDElevenLabs,
			want:    voice.IDLocal,
		},
		{
			name:    "upgrades nothing when local is current",
			avail:   map[voice.ID]bool{voice.IDElevenLabs: true, voice.IDLocal: true},
			current: voice.IDLocal,
			want:    voice.IDLocal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := selector.New(providers(tt.avail), selector.WithInitial(tt.current))
			if err != nil {
				t.Fatal(err)
			}

			var mu sync.Mutex
			var changes []selector.Change
			s.Subscribe(func(c selector.Change) {
				mu.Lock()
				changes = append(changes, c)
				mu.Unlock()
			})

			got, _ := s.ProbeAndSelect(context.Background())
			if got != tt.want {
				t.Errorf("ProbeAndSelect = %q, want %q", got, tt.want)
			}
			if id, _ := s.Current(); id != tt.want {
				t.Errorf("Current = %q, want %q", id, tt.want)
			}
			wantChanges := 0
			if tt.want != tt.current {
				wantChanges = 1
			}
			if len(changes) != wantChanges {
				t.Errorf("got %d change notifications, want %d", len(changes), wantChanges)
			}
		})
	}
}

func TestCheckReady(t *testing.T) {
	t.Parallel()

	s, _ := selector.New(providers(map[voice.ID]bool{voice.IDLocal: true, voice.IDOpenAI: false}),
		selector.WithInitial(voice.IDOpenAI))

	if err := s.CheckReady(context.Background()); err == nil {
		t.Error("expected error before first probe")
	}
	s.Probe(context.Background())
	if err := s.CheckReady(context.Background()); err == nil {
		t.Error("expected error while the active provider is down")
	}
	s.ProbeAndSelect(context.Background())
	if err := s.CheckReady(context.Background()); err != nil {
		t.Errorf("CheckReady after fallback: %v", err)
	}
}
