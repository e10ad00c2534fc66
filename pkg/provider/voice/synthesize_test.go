package voice_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/duologue/pkg/dialogue"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/provider/voice/mock"
	"github.com/MrWong99/duologue/pkg/types"
)

const discussion = "Alex: One.\nJordan: Two.\nAlex: Three.\nJordan: Four."

func TestGenerateDiscussion_OrderMatchesParse(t *testing.T) {
	t.Parallel()

	for _, parallelism := range []int{1, 4} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			t.Parallel()

			p := &mock.Provider{
				GenerateFunc: func(_ context.Context, text string, _ types.Speaker) (types.Media, error) {
					// Later turns finish first to exercise reassembly.
					time.Sleep(time.Duration(10-len(text)) * time.Millisecond)
					return types.EncodedAudio{Data: []byte(text), MIMEType: "audio/mpeg"}, nil
				},
			}

			items, err := voice.GenerateDiscussion(context.Background(), p, discussion, voice.WithParallelism(parallelism))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			want := dialogue.Parse(discussion)
			if len(items) != len(want) {
				t.Fatalf("got %d items, want %d", len(items), len(want))
			}
			for i, it := range items {
				if it.Speaker != want[i].Speaker || it.Text != want[i].Text {
					t.Errorf("item %d = %s %q, want %s %q", i, it.Speaker, it.Text, want[i].Speaker, want[i].Text)
				}
				audio, ok := it.Media.(types.EncodedAudio)
				if !ok {
					t.Fatalf("item %d media = %T, want EncodedAudio", i, it.Media)
				}
				if string(audio.Data) != want[i].Text {
					t.Errorf("item %d audio = %q, want %q", i, audio.Data, want[i].Text)
				}
			}
		})
	}
}

func TestGenerateDiscussion_OneFailureFailsBatch(t *testing.T) {
	t.Parallel()

	cause := errors.New("quota exceeded")
	p := &mock.Provider{
		GenerateFunc: func(_ context.Context, text string, speaker types.Speaker) (types.Media, error) {
			if text == "Three." {
				return nil, voice.NewProviderError("mock", speaker, text, 429, cause)
			}
			return types.EncodedAudio{Data: []byte(text)}, nil
		},
	}

	items, err := voice.GenerateDiscussion(context.Background(), p, discussion)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if items != nil {
		t.Errorf("expected no items on failure, got %d", len(items))
	}

	var synthErr *voice.SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected *SynthesisError, got %T: %v", err, err)
	}
	if synthErr.Index != 2 {
		t.Errorf("Index = %d, want 2", synthErr.Index)
	}
	if synthErr.Speaker != types.SpeakerAlex {
		t.Errorf("Speaker = %s, want alex", synthErr.Speaker)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	if !errors.Is(err, voice.ErrRejected) {
		t.Error("expected a 429 to classify as ErrRejected")
	}
}

func TestGenerateDiscussion_SequentialByDefault(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	p := &mock.Provider{
		GenerateFunc: func(_ context.Context, text string, _ types.Speaker) (types.Media, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return types.EncodedAudio{Data: []byte(text)}, nil
		},
	}

	if _, err := voice.GenerateDiscussion(context.Background(), p, discussion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent syntheses = %d, want 1", got)
	}
}

func TestGenerateDiscussion_EmptyText(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	items, err := voice.GenerateDiscussion(context.Background(), p, "   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
	if len(p.Calls()) != 0 {
		t.Error("no synthesis calls expected for empty text")
	}
}

func TestGenerateDiscussion_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := voice.GenerateDiscussion(ctx, &mock.Provider{}, discussion)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestProviderError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{0, voice.ErrUnavailable},
		{500, voice.ErrUnavailable},
		{503, voice.ErrUnavailable},
		{401, voice.ErrRejected},
		{429, voice.ErrRejected},
	}
	for _, tt := range tests {
		err := voice.NewProviderError("x", types.SpeakerJordan, "hello", tt.status, errors.New("boom"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v", tt.status, tt.want)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	short := "short line"
	if got := voice.TruncateForLog(short); got != short {
		t.Errorf("TruncateForLog(%q) = %q", short, got)
	}

	long := ""
	for range 100 {
		long += "ä"
	}
	got := []rune(voice.TruncateForLog(long))
	if len(got) != 61 || got[60] != '…' {
		t.Errorf("unexpected truncation: %d runes, last %q", len(got), got[len(got)-1])
	}
}
