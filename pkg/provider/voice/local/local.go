// Package local provides the voice provider for the local speech engine.
//
// Unlike the cloud providers it produces no audio: every line becomes a
// [types.Utterance] descriptor that the playback sequencer hands to a
// [speech.Engine] at play time. Voices are picked from whatever the engine
// has installed using per-host preference chains, with Jaro-Winkler fuzzy
// matching so that "Microsoft David Desktop" or "david" still satisfy a
// "David" preference.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

const (
	// fuzzyThreshold is the minimum Jaro-Winkler score for a fuzzy name match.
	fuzzyThreshold = 0.9

	defaultProbeTimeout = 2 * time.Second
	probeInterval       = 100 * time.Millisecond
)

// HostSettings configures how one host sounds.
type HostSettings struct {
	// PreferredVoices are tried in order against installed voice names.
	PreferredVoices []string

	// Gender is tried after the named preferences ("male" or "female").
	Gender string

	// FallbackIndex is the position in the voice list used when no
	// preference matches. Out-of-range indices fall back to the first voice.
	FallbackIndex int

	Rate   float64
	Pitch  float64
	Volume float64
}

// DefaultHosts returns the stock settings: a slower, lower Alex and a
// brighter Jordan.
func DefaultHosts() map[types.Speaker]HostSettings {
	return map[types.Speaker]HostSettings{
		types.SpeakerAlex: {
			PreferredVoices: []string{"Microsoft David", "David"},
			Gender:          "male",
			Rate:            0.9,
			Pitch:           0.8,
			Volume:          1.0,
		},
		types.SpeakerJordan: {
			PreferredVoices: []string{"Microsoft Zira", "Zira"},
			Gender:          "female",
			FallbackIndex:   1,
			Rate:            1.0,
			Pitch:           1.2,
			Volume:          1.0,
		},
	}
}

// secondaryNames are tried after the gender step, matching the stock
// browser voices on macOS.
var secondaryNames = map[types.Speaker]string{
	types.SpeakerAlex:   "Alex",
	types.SpeakerJordan: "Samantha",
}

// Option configures a Provider.
type Option func(*Provider)

// WithHost overrides the settings for speaker.
func WithHost(speaker types.Speaker, s HostSettings) Option {
	return func(p *Provider) {
		p.hosts[speaker] = s
	}
}

// WithProbeTimeout bounds how long TestConnection waits for the voice list.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.probeTimeout = d
	}
}

// Provider implements voice.Provider on top of a speech.Engine.
type Provider struct {
	engine       speech.Engine
	hosts        map[types.Speaker]HostSettings
	probeTimeout time.Duration

	mu       sync.Mutex
	resolved map[types.Speaker]string
}

var (
	_ voice.Provider = (*Provider)(nil)
	_ voice.Lister   = (*Provider)(nil)
)

// New returns a Provider backed by engine.
func New(engine speech.Engine, opts ...Option) (*Provider, error) {
	if engine == nil {
		return nil, fmt.Errorf("local: engine must not be nil")
	}
	p := &Provider{
		engine:       engine,
		hosts:        DefaultHosts(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Engine returns the engine utterances are meant for.
func (p *Provider) Engine() speech.Engine { return p.engine }

// Name implements voice.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("Local Speech (%s / %s)",
		shortName(p.resolved[types.SpeakerAlex]), shortName(p.resolved[types.SpeakerJordan]))
}

// shortName drops vendor prefixes and suffixes: "Microsoft David Desktop"
// becomes "David".
func shortName(name string) string {
	if name == "" {
		return "Default"
	}
	f := strings.Fields(name)
	if len(f) > 1 && strings.EqualFold(f[0], "Microsoft") {
		return f[1]
	}
	return f[0]
}

// GenerateSpeech implements voice.Provider. It never fails for a known
// speaker: if no voices are installed the engine's default voice is used.
func (p *Provider) GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error) {
	h, ok := p.hosts[speaker]
	if !ok {
		return nil, voice.NewProviderError(voice.IDLocal, speaker, text, 0, fmt.Errorf("no settings for speaker %q", speaker))
	}
	return types.Utterance{
		Text:   text,
		Voice:  p.voiceFor(ctx, speaker),
		Rate:   h.Rate,
		Pitch:  h.Pitch,
		Volume: h.Volume,
	}, nil
}

// GenerateDiscussionAudio implements voice.Provider.
func (p *Provider) GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error) {
	return voice.GenerateDiscussion(ctx, p, rawText)
}

// TestConnection implements voice.Provider. It waits up to the probe timeout
// for the engine's voice list to populate. An engine that answers with no
// voices still counts as available, since it can speak with its default
// voice; only an engine that cannot list voices at all is unavailable.
func (p *Provider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	answered := false
	for {
		voices, err := p.engine.Voices(ctx)
		if err == nil {
			answered = true
			if len(voices) > 0 {
				p.resolve(voices)
				return true
			}
		}
		select {
		case <-ctx.Done():
			if !answered {
				slog.Debug("local: speech engine did not answer", "err", err)
			}
			return answered
		case <-ticker.C:
		}
	}
}

// ListVoices implements voice.Lister with the engine's installed voices.
func (p *Provider) ListVoices(ctx context.Context) ([]voice.Voice, error) {
	voices, err := p.engine.Voices(ctx)
	if err != nil {
		return nil, fmt.Errorf("local: list voices: %w", err)
	}
	out := make([]voice.Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, voice.Voice{ID: v.Name, Name: v.Name, Language: v.Language, Gender: v.Gender})
	}
	return out, nil
}

// voiceFor returns the resolved voice name, resolving lazily on first use.
func (p *Provider) voiceFor(ctx context.Context, speaker types.Speaker) string {
	p.mu.Lock()
	name, ok := p.resolved[speaker]
	p.mu.Unlock()
	if ok {
		return name
	}

	voices, err := p.engine.Voices(ctx)
	if err != nil || len(voices) == 0 {
		return ""
	}
	p.resolve(voices)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved[speaker]
}

func (p *Provider) resolve(voices []speech.Voice) {
	resolved := make(map[types.Speaker]string, len(types.Speakers))
	for _, s := range types.Speakers {
		resolved[s] = SelectVoice(voices, s, p.hosts[s])
	}

	p.mu.Lock()
	changed := p.resolved == nil
	p.resolved = resolved
	p.mu.Unlock()

	if changed {
		slog.Info("local: voices selected",
			"alex", resolved[types.SpeakerAlex],
			"jordan", resolved[types.SpeakerJordan],
			"installed", len(voices))
	}
}

// SelectVoice walks the preference chain for one host:
//
//  1. each preferred name (substring, then fuzzy),
//  2. a voice of the configured gender, by metadata or by name,
//  3. the platform's stock voice for that host,
//  4. the voice at FallbackIndex, then the first voice.
//
// It returns "" only when voices is empty.
func SelectVoice(voices []speech.Voice, speaker types.Speaker, h HostSettings) string {
	if len(voices) == 0 {
		return ""
	}
	for _, pref := range h.PreferredVoices {
		if v, ok := matchName(voices, pref); ok {
			return v
		}
	}
	if h.Gender != "" {
		if v, ok := matchGender(voices, h.Gender); ok {
			return v
		}
	}
	if name, ok := secondaryNames[speaker]; ok {
		if v, ok := matchName(voices, name); ok {
			return v
		}
	}
	if h.FallbackIndex > 0 && h.FallbackIndex < len(voices) {
		return voices[h.FallbackIndex].Name
	}
	return voices[0].Name
}

func matchName(voices []speech.Voice, pref string) (string, bool) {
	want := strings.ToLower(pref)
	for _, v := range voices {
		if strings.Contains(strings.ToLower(v.Name), want) {
			return v.Name, true
		}
	}
	best, bestScore := "", 0.0
	for _, v := range voices {
		for _, word := range candidates(v.Name) {
			if score := matchr.JaroWinkler(want, word, false); score > bestScore {
				best, bestScore = v.Name, score
			}
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return "", false
}

// candidates returns the lower-cased full name plus each word, so that a
// single-word preference can match inside a multi-word voice name.
func candidates(name string) []string {
	lower := strings.ToLower(name)
	return append([]string{lower}, strings.FieldsFunc(lower, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '(' || r == ')'
	})...)
}

func matchGender(voices []speech.Voice, gender string) (string, bool) {
	gender = speech.NormalizeGender(gender)
	if gender == "" {
		return "", false
	}
	for _, v := range voices {
		if v.Gender == gender {
			return v.Name, true
		}
	}
	for _, v := range voices {
		name := strings.ToLower(v.Name)
		if gender == "male" && strings.Contains(name, "male") && !strings.Contains(name, "female") {
			return v.Name, true
		}
		if gender == "female" && strings.Contains(name, "female") {
			return v.Name, true
		}
	}
	return "", false
}
