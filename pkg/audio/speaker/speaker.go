// Package speaker implements [audio.Player] on the host's default output
// device using gopxl/beep.
//
// The output device is a process-wide singleton, so the device is initialised
// once at a fixed sample rate and every decoded stream is resampled to it.
// Supported formats are MP3 (audio/mpeg) and WAV (audio/wav).
package speaker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/types"
)

// DefaultSampleRate is the device rate used when none is configured.
const DefaultSampleRate beep.SampleRate = 44100

// resampleQuality is passed to beep.Resample. 4 is beep's recommended
// default for speech.
const resampleQuality = 4

// Option configures a Player.
type Option func(*Player)

// WithSampleRate sets the output device rate.
func WithSampleRate(sr int) Option {
	return func(p *Player) {
		if sr > 0 {
			p.rate = beep.SampleRate(sr)
		}
	}
}

// WithBufferDuration sets the device buffer length. Shorter buffers react
// faster to pause/stop at the cost of more CPU wake-ups.
func WithBufferDuration(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.buffer = d
		}
	}
}

// Player plays encoded audio on the default output device.
type Player struct {
	rate   beep.SampleRate
	buffer time.Duration

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	current *track
}

var _ audio.Player = (*Player)(nil)

// track is one item on the device.
type track struct {
	sink   *audio.EventSink
	ctrl   *beep.Ctrl
	stream beep.StreamSeekCloser
	done   chan struct{}
	once   sync.Once
}

// New returns a Player. The device is opened lazily on the first Play.
func New(opts ...Option) *Player {
	p := &Player{rate: DefaultSampleRate, buffer: 100 * time.Millisecond}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Player) init() error {
	p.initOnce.Do(func() {
		p.initErr = speaker.Init(p.rate, p.rate.N(p.buffer))
		if p.initErr == nil {
			slog.Debug("speaker: output device initialised", "sample_rate", int(p.rate))
		}
	})
	return p.initErr
}

// Play implements audio.Player.
func (p *Player) Play(ctx context.Context, a types.EncodedAudio) (<-chan types.PlaybackEvent, error) {
	stream, format, err := decode(a)
	if err != nil {
		return nil, err
	}
	if err := p.init(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("speaker: init output device: %w", err)
	}

	var s beep.Streamer = stream
	if format.SampleRate != p.rate {
		s = beep.Resample(resampleQuality, format.SampleRate, p.rate, s)
	}

	t := &track{
		sink:   audio.NewEventSink(),
		ctrl:   &beep.Ctrl{Streamer: s},
		stream: stream,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	prev := p.current
	p.current = t
	p.mu.Unlock()
	if prev != nil {
		p.halt(prev)
	}

	speaker.Play(beep.Seq(t.ctrl, beep.Callback(func() {
		t.sink.Ended()
		p.release(t)
	})))
	t.sink.Started()

	go func() {
		select {
		case <-ctx.Done():
			p.halt(t)
		case <-t.done:
		}
	}()

	return t.sink.C(), nil
}

// halt silences t and closes its stream without a terminal event.
func (p *Player) halt(t *track) {
	t.sink.Cancel()
	speaker.Lock()
	t.ctrl.Streamer = nil
	speaker.Unlock()
	p.release(t)
}

func (p *Player) release(t *track) {
	t.once.Do(func() {
		close(t.done)
		_ = t.stream.Close()
		p.mu.Lock()
		if p.current == t {
			p.current = nil
		}
		p.mu.Unlock()
	})
}

// Close stops all output. The device itself stays initialised.
func (p *Player) Close() error {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur != nil {
		p.halt(cur)
	}
	if p.initErr == nil {
		speaker.Clear()
	}
	return nil
}

// decode picks a decoder from the MIME type.
func decode(a types.EncodedAudio) (beep.StreamSeekCloser, beep.Format, error) {
	if len(a.Data) == 0 {
		return nil, beep.Format{}, fmt.Errorf("speaker: empty audio")
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(a.MIMEType, ";", 2)[0]))
	switch mime {
	case "audio/mpeg", "audio/mp3", "":
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(a.Data)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("speaker: decode mp3: %w", err)
		}
		return s, f, nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		s, f, err := wav.Decode(bytes.NewReader(a.Data))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("speaker: decode wav: %w", err)
		}
		return s, f, nil
	default:
		return nil, beep.Format{}, fmt.Errorf("speaker: unsupported audio type %q", a.MIMEType)
	}
}
