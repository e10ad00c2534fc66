package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"google.golang.org/api/option"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/pkg/audio/speaker"
	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/provider/llm/anyllm"
	"github.com/MrWong99/duologue/pkg/provider/llm/gemini"
	oaillm "github.com/MrWong99/duologue/pkg/provider/llm/openai"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/provider/voice/elevenlabs"
	"github.com/MrWong99/duologue/pkg/provider/voice/googletts"
	"github.com/MrWong99/duologue/pkg/provider/voice/local"
	oaivoice "github.com/MrWong99/duologue/pkg/provider/voice/openai"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/speech/command"
	"github.com/MrWong99/duologue/pkg/types"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every shipped backend into reg. Gemini and
// OpenAI use their native SDKs; the remaining LLM names go through any-llm.
// engine backs the local voice provider's voice catalog.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, vc config.VoiceConfig, engine speech.Engine) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []option.ClientOption
		if entry.BaseURL != "" {
			opts = append(opts, option.WithEndpoint(entry.BaseURL))
		}
		return gemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllm.Backends {
		if name == "gemini" || name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Voice ─────────────────────────────────────────────────────────────────

	reg.RegisterVoice(string(voice.IDElevenLabs), func(entry config.VoiceEntry) (voice.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithParallelism(vc.Parallelism)}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if optBool(entry.Options, "stream") {
			opts = append(opts, elevenlabs.WithStreaming(true))
		}
		defaults := elevenlabs.DefaultVoices()
		for _, sp := range types.Speakers {
			if h, ok := entry.Host(sp); ok {
				opts = append(opts, elevenlabs.WithVoice(sp, elevenLabsHost(defaults[sp], h)))
			}
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterVoice(string(voice.IDOpenAI), func(entry config.VoiceEntry) (voice.Provider, error) {
		opts := []oaivoice.Option{oaivoice.WithParallelism(vc.Parallelism)}
		if entry.Model != "" {
			opts = append(opts, oaivoice.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaivoice.WithBaseURL(entry.BaseURL))
		}
		if speed := optFloat(entry.Options, "speed"); speed != 0 {
			opts = append(opts, oaivoice.WithSpeed(speed))
		}
		for _, sp := range types.Speakers {
			if h, ok := entry.Host(sp); ok && h.Voice != "" {
				opts = append(opts, oaivoice.WithVoice(sp, h.Voice))
			}
		}
		return oaivoice.New(entry.APIKey, opts...)
	})

	reg.RegisterVoice(string(voice.IDGoogle), func(entry config.VoiceEntry) (voice.Provider, error) {
		opts := []googletts.Option{googletts.WithParallelism(vc.Parallelism)}
		defaults := googletts.DefaultVoices()
		for _, sp := range types.Speakers {
			if h, ok := entry.Host(sp); ok {
				opts = append(opts, googletts.WithVoice(sp, googleHost(defaults[sp], h, optString(entry.Options, "language_code"))))
			}
		}
		return googletts.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterVoice(string(voice.IDLocal), func(entry config.VoiceEntry) (voice.Provider, error) {
		opts := []local.Option{local.WithProbeTimeout(vc.ProbeTimeout)}
		defaults := local.DefaultHosts()
		for _, sp := range types.Speakers {
			if h, ok := entry.Host(sp); ok {
				opts = append(opts, local.WithHost(sp, localHost(defaults[sp], h)))
			}
		}
		return local.New(engine, opts...)
	})

	for _, name := range reg.VoiceNames() {
		slog.Debug("registered provider", "kind", "voice", "name", name)
	}
}

// buildProviders instantiates the configured LLM chain and voice backends.
// A voice backend that cannot be created is logged and skipped; the local
// backend is always present. Every provider holding a connection is
// returned in closers.
func buildProviders(cfg *config.Config, reg *config.Registry) (ps *app.Providers, closers []func() error, err error) {
	ps = &app.Providers{}
	track := func(p any) {
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	primary, err := reg.CreateLLM(cfg.LLM.ProviderEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.LLM.Name, err)
	}
	track(primary)
	ps.LLM = primary
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Name, "model", cfg.LLM.Model)

	for _, fb := range cfg.LLM.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			slog.Warn("llm fallback skipped", "name", fb.Name, "err", err)
			continue
		}
		track(p)
		ps.LLMFallbacks = append(ps.LLMFallbacks, p)
		slog.Info("provider created", "kind", "llm-fallback", "name", fb.Name, "model", fb.Model)
	}

	voices, verr := reg.CreateVoices(cfg.Voice)
	if verr != nil {
		slog.Warn("some voice providers are unavailable", "err", verr)
	}
	if _, ok := voices[voice.IDLocal]; !ok {
		// The local backend anchors the fallback order even when the config
		// leaves it out of voice.order.
		entry, _ := cfg.Voice.Entry(string(voice.IDLocal))
		entry.Name = string(voice.IDLocal)
		p, err := reg.CreateVoice(entry)
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("create local voice provider: %w", err), closeAll(closers))
		}
		voices[voice.IDLocal] = p
	}
	for id, p := range voices {
		track(p)
		slog.Info("provider created", "kind", "voice", "name", id)
	}
	ps.Voices = voices
	return ps, closers, nil
}

// newApp builds providers and the App. engine backs the local voice
// provider.
func (c *cli) newApp(ctx context.Context, engine speech.Engine, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, c.cfg.Voice, engine)
	ps, closers, err := buildProviders(c.cfg, reg)
	if err != nil {
		return nil, err
	}
	for _, fn := range closers {
		opts = append(opts, app.WithCloser(fn))
	}
	a, err := app.New(c.cfg, ps, opts...)
	if err != nil {
		return nil, errors.Join(err, closeAll(closers))
	}
	return a, nil
}

// speakerOutputs plays on this machine: encoded audio through the default
// output device and local utterances through espeak-ng or say.
func speakerOutputs(cfg *config.Config) app.Outputs {
	var opts []command.Option
	if entry, ok := cfg.Voice.Entry(string(voice.IDLocal)); ok {
		if bin := optString(entry.Options, "command"); bin != "" {
			opts = append(opts, command.WithBinary(bin))
		}
		if flavor := optString(entry.Options, "flavor"); flavor != "" {
			opts = append(opts, command.WithFlavor(command.Flavor(flavor)))
		}
	}
	spk := speaker.New()
	return app.Outputs{
		Player: spk,
		Engine: command.New(opts...),
		Close:  spk.Close,
	}
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}

// ── Host overrides ────────────────────────────────────────────────────────────

func elevenLabsHost(base elevenlabs.HostVoice, h config.HostVoice) elevenlabs.HostVoice {
	if h.Voice != "" {
		base.VoiceID = h.Voice
		base.Label = h.Voice
	}
	if h.Label != "" {
		base.Label = h.Label
	}
	return base
}

func googleHost(base googletts.HostVoice, h config.HostVoice, languageCode string) googletts.HostVoice {
	if h.Voice != "" {
		base.Name = h.Voice
	}
	if languageCode != "" {
		base.LanguageCode = languageCode
	}
	if h.Gender != "" {
		base.Gender = googletts.Gender(strings.ToUpper(h.Gender))
	}
	if h.Rate != 0 {
		base.SpeakingRate = h.Rate
	}
	if h.Pitch != 0 {
		base.Pitch = h.Pitch
	}
	return base
}

func localHost(base local.HostSettings, h config.HostVoice) local.HostSettings {
	if h.Voice != "" && !slices.Contains(base.PreferredVoices, h.Voice) {
		base.PreferredVoices = append([]string{h.Voice}, base.PreferredVoices...)
	}
	if h.Gender != "" {
		base.Gender = speech.NormalizeGender(h.Gender)
	}
	if h.Rate != 0 {
		base.Rate = h.Rate
	}
	if h.Pitch != 0 {
		base.Pitch = h.Pitch
	}
	if h.Volume != 0 {
		base.Volume = h.Volume
	}
	return base
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optFloat accepts any numeric value; YAML and TOML decode whole numbers as
// integers.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
