package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/types"
)

func collect(ch <-chan types.PlaybackEvent) []types.EventKind {
	var kinds []types.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestEventSink_Contract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(s *audio.EventSink)
		want []types.EventKind
	}{
		{
			name: "started then ended",
			run:  func(s *audio.EventSink) { s.Started(); s.Ended() },
			want: []types.EventKind{types.EventStarted, types.EventEnded},
		},
		{
			name: "ended without start",
			run:  func(s *audio.EventSink) { s.Ended() },
			want: []types.EventKind{types.EventEnded},
		},
		{
			name: "duplicate start",
			run:  func(s *audio.EventSink) { s.Started(); s.Started(); s.Failed(errors.New("x")) },
			want: []types.EventKind{types.EventStarted, types.EventFailed},
		},
		{
			name: "only first terminal counts",
			run:  func(s *audio.EventSink) { s.Ended(); s.Failed(errors.New("late")); s.Started() },
			want: []types.EventKind{types.EventEnded},
		},
		{
			name: "cancel closes silently",
			run:  func(s *audio.EventSink) { s.Started(); s.Cancel(); s.Ended() },
			want: []types.EventKind{types.EventStarted},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := audio.NewEventSink()
			tt.run(s)
			if !s.Done() {
				t.Fatal("sink should be done")
			}
			got := collect(s.C())
			if len(got) != len(tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEventSink_ConcurrentTerminals(t *testing.T) {
	t.Parallel()

	s := audio.NewEventSink()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				s.Ended()
			case 1:
				s.Failed(errors.New("boom"))
			default:
				s.Cancel()
			}
		}()
	}
	wg.Wait()

	if n := len(collect(s.C())); n > 1 {
		t.Errorf("got %d terminal events, want at most 1", n)
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	s := audio.NewEventSink()
	s.Started()
	s.Failed(errors.New("decode"))
	ev, ok := audio.Wait(s.C())
	if !ok || ev.Kind != types.EventFailed || ev.Err == nil {
		t.Errorf("Wait = %+v, %v", ev, ok)
	}

	s = audio.NewEventSink()
	s.Cancel()
	if _, ok := audio.Wait(s.C()); ok {
		t.Error("Wait on a cancelled stream should report !ok")
	}
}
