// Package command implements [speech.Engine] by running the platform's
// command-line synthesizer: espeak-ng on Linux and other Unix systems, say on
// macOS.
//
// Each utterance is a child process. Cancelling kills the process.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

// Flavor selects the command-line dialect.
type Flavor string

const (
	FlavorEspeak Flavor = "espeak-ng"
	FlavorSay    Flavor = "say"
)

// Base values the Utterance multipliers are applied to.
const (
	baseWordsPerMinute = 175
	espeakBasePitch    = 50
	espeakBaseAmp      = 100
)

// Option configures an Engine.
type Option func(*Engine)

// WithFlavor forces a command dialect instead of detecting it from the OS.
func WithFlavor(f Flavor) Option {
	return func(e *Engine) {
		e.flavor = f
	}
}

// WithBinary overrides the executable path (default: the flavor's name,
// resolved through PATH).
func WithBinary(path string) Option {
	return func(e *Engine) {
		e.binary = path
	}
}

// Engine drives a synthesizer binary.
type Engine struct {
	flavor Flavor
	binary string

	// command builds the process for an utterance. Replaced in tests.
	command func(ctx context.Context, u types.Utterance) *exec.Cmd

	mu      sync.Mutex
	current *utterance
}

var _ speech.Engine = (*Engine)(nil)

type utterance struct {
	cancel context.CancelFunc
	sink   *audio.EventSink
}

// New returns an Engine for the current platform.
func New(opts ...Option) *Engine {
	e := &Engine{flavor: FlavorEspeak}
	if runtime.GOOS == "darwin" {
		e.flavor = FlavorSay
	}
	for _, o := range opts {
		o(e)
	}
	if e.binary == "" {
		e.binary = string(e.flavor)
	}
	e.command = func(ctx context.Context, u types.Utterance) *exec.Cmd {
		return exec.CommandContext(ctx, e.binary, Args(e.flavor, u)...)
	}
	return e
}

// Available reports whether the binary can be found.
func (e *Engine) Available() bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

// Speak implements speech.Engine.
func (e *Engine) Speak(ctx context.Context, u types.Utterance) (<-chan types.PlaybackEvent, error) {
	if strings.TrimSpace(u.Text) == "" {
		return nil, errors.New("command: empty utterance")
	}
	// A cancelled caller must not cut off the utterance that replaced it.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.Cancel()

	uctx, cancel := context.WithCancel(ctx)
	cmd := e.command(uctx, u)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("command: start %s: %w", e.binary, err)
	}

	cur := &utterance{cancel: cancel, sink: audio.NewEventSink()}
	e.mu.Lock()
	e.current = cur
	e.mu.Unlock()
	cur.sink.Started()

	go func() {
		err := cmd.Wait()
		switch {
		case uctx.Err() != nil:
			cur.sink.Cancel()
		case err != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			slog.Warn("command: synthesizer failed", "binary", e.binary, "err", err)
			cur.sink.Failed(fmt.Errorf("command: %s: %w", e.binary, err))
		default:
			cur.sink.Ended()
		}
		cancel()

		e.mu.Lock()
		if e.current == cur {
			e.current = nil
		}
		e.mu.Unlock()
	}()

	return cur.sink.C(), nil
}

// Cancel implements speech.Engine.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cur := e.current
	e.current = nil
	e.mu.Unlock()
	if cur != nil {
		cur.sink.Cancel()
		cur.cancel()
	}
}

// Voices implements speech.Engine.
func (e *Engine) Voices(ctx context.Context) ([]speech.Voice, error) {
	var args []string
	switch e.flavor {
	case FlavorSay:
		args = []string{"-v", "?"}
	default:
		args = []string{"--voices"}
	}
	out, err := exec.CommandContext(ctx, e.binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("command: list voices: %w", err)
	}
	if e.flavor == FlavorSay {
		return ParseSayVoices(out), nil
	}
	return ParseEspeakVoices(out), nil
}

// Args renders u as command-line arguments for flavor. The text is always
// the last argument.
func Args(flavor Flavor, u types.Utterance) []string {
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	wpm := strconv.Itoa(int(baseWordsPerMinute * rate))

	switch flavor {
	case FlavorSay:
		args := []string{"-r", wpm}
		if u.Voice != "" {
			args = append(args, "-v", u.Voice)
		}
		return append(args, "--", u.Text)
	default:
		pitch := u.Pitch
		if pitch <= 0 {
			pitch = 1
		}
		vol := u.Volume
		if vol <= 0 {
			vol = 1
		}
		args := []string{
			"-s", wpm,
			"-p", strconv.Itoa(clamp(int(espeakBasePitch*pitch), 0, 99)),
			"-a", strconv.Itoa(clamp(int(espeakBaseAmp*vol), 0, 200)),
		}
		if u.Voice != "" {
			args = append(args, "-v", u.Voice)
		}
		return append(args, "--", u.Text)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ParseEspeakVoices parses `espeak-ng --voices` output:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  en-us           --/M      English_(America)  gmw/en-US            (en 10)
func ParseEspeakVoices(out []byte) []speech.Voice {
	var voices []speech.Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		f := strings.Fields(sc.Text())
		if len(f) < 4 {
			continue
		}
		gender := ""
		if _, g, ok := strings.Cut(f[2], "/"); ok {
			gender = speech.NormalizeGender(g)
		}
		voices = append(voices, speech.Voice{Name: f[3], Language: f[1], Gender: gender})
	}
	return voices
}

var sayLine = regexp.MustCompile(`^(.+?)\s{2,}([a-z]{2,3}[_-][A-Za-z0-9]+)\s+#`)

// ParseSayVoices parses `say -v ?` output:
//
//	Alex                en_US    # Most people recognize me by my voice.
func ParseSayVoices(out []byte) []speech.Voice {
	var voices []speech.Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := sayLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		voices = append(voices, speech.Voice{
			Name:     strings.TrimSpace(m[1]),
			Language: strings.ReplaceAll(m[2], "_", "-"),
		})
	}
	return voices
}
