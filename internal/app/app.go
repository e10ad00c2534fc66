// Package app wires the duologue subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the text generator
// (with its optional fallback chain), the voice provider selector, and the
// session manager; Run keeps provider availability fresh until its context
// ends; Shutdown closes every session and releases providers in reverse
// order.
//
// For testing, pass mock providers in [Providers] and inject outputs and
// metrics via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/resilience"
	"github.com/MrWong99/duologue/internal/selector"
	"github.com/MrWong99/duologue/internal/textgen"
	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/provider/voice"
)

// Providers holds the constructed backends. Populated by main.go via the
// config registry.
type Providers struct {
	// LLM is the primary text-generation backend. Required.
	LLM llm.Provider

	// LLMFallbacks are tried in order when LLM keeps failing.
	LLMFallbacks []llm.Provider

	// Voices must contain the local provider.
	Voices map[voice.ID]voice.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	metrics *observe.Metrics

	llm      llm.Provider
	gen      *textgen.Generator
	selector *selector.Selector
	sessions *SessionManager

	outputs       Outputs
	probeInterval time.Duration

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutputs sets the default media outputs for new sessions.
func WithOutputs(o Outputs) Option {
	return func(a *App) { a.outputs = o }
}

// WithProbeInterval sets how often Run re-probes the voice providers.
// Zero probes only once at startup. Default: 1m.
func WithProbeInterval(d time.Duration) Option {
	return func(a *App) { a.probeInterval = d }
}

// WithCloser registers fn to run during Shutdown, after the sessions are
// closed.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:           cfg,
		probeInterval: time.Minute,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Text generation ───────────────────────────────────────────────
	a.llm = a.buildLLM(providers)
	gen, err := textgen.New(a.llm,
		textgen.WithRetry(resilience.RetryConfig{
			MaxAttempts: cfg.Generation.Retry.MaxAttempts,
			Initial:     cfg.Generation.Retry.Initial,
			Max:         cfg.Generation.Retry.Max,
		}),
		textgen.WithTemperature(cfg.Generation.Temperature),
		textgen.WithMaxTokens(cfg.Generation.MaxTokens),
		textgen.WithTurns(cfg.Generation.Turns),
		textgen.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init generator: %w", err)
	}
	a.gen = gen

	// ── 2. Voice selector ────────────────────────────────────────────────
	order := make([]voice.ID, len(cfg.Voice.Order))
	for i, name := range cfg.Voice.Order {
		order[i] = voice.ID(name)
	}
	initial := voice.ID(cfg.Voice.Default)
	if _, ok := providers.Voices[initial]; !ok {
		slog.Warn("default voice provider not available, starting with local", "provider", initial)
		initial = voice.IDLocal
	}
	sel, err := selector.New(providers.Voices,
		selector.WithOrder(order...),
		selector.WithInitial(initial),
		selector.WithProbeTimeout(cfg.Voice.ProbeTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init selector: %w", err)
	}
	sel.Subscribe(func(c selector.Change) {
		a.metrics.RecordProviderSwitch(context.Background(), string(c.Previous), string(c.Current))
		slog.Info("voice provider changed", "from", c.Previous, "to", c.Current, "name", c.Provider.Name())
	})
	a.selector = sel

	// ── 3. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Generator:   gen,
		Voices:      sel,
		Metrics:     a.metrics,
		Outputs:     a.outputs,
		MaxSessions: cfg.Server.MaxSessions,
		Playback:    cfg.Playback,
		Comments:    cfg.Comments,
	})

	return a, nil
}

// buildLLM wraps the primary in a circuit-broken fallback chain when
// fallbacks are configured.
func (a *App) buildLLM(p *Providers) llm.Provider {
	if len(p.LLMFallbacks) == 0 {
		return p.LLM
	}
	fb := resilience.NewLLMFallback(p.LLM, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			IsFailure: textgen.IsTransient,
			OnStateChange: func(name string, from, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
				slog.Warn("llm circuit breaker transition", "provider", name, "from", from, "to", to)
			},
		},
	})
	for _, f := range p.LLMFallbacks {
		fb.AddFallback(f)
	}
	slog.Info("llm fallback chain configured", "chain", fb.Name())
	return fb
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the configuration the App was built with.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Generator returns the text generator.
func (a *App) Generator() *textgen.Generator { return a.gen }

// Selector returns the voice provider selector.
func (a *App) Selector() *selector.Selector { return a.selector }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Metrics returns the metric instruments in use.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// LLMBreakers reports the circuit breaker state of each text-generation
// backend, or nil without a fallback chain.
func (a *App) LLMBreakers() map[string]resilience.State {
	if fb, ok := a.llm.(*resilience.LLMFallback); ok {
		return fb.Breakers()
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run probes the voice providers, applies the fallback policy, and repeats
// every probe interval until ctx is cancelled. It returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	a.probe(ctx)
	if a.probeInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(a.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.probe(ctx)
		}
	}
}

func (a *App) probe(ctx context.Context) {
	id, results := a.selector.ProbeAndSelect(ctx)
	available := 0
	for _, r := range results {
		if r.Available {
			available++
		}
	}
	slog.Debug("voice providers probed", "selected", id, "available", available, "total", len(results))
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next and returns the diff
// against the previous config. The log level is left to the caller, which
// owns the handler.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.VoiceDefaultChanged {
		if err := a.selector.SetProvider(voice.ID(d.NewVoiceDefault)); err != nil {
			slog.Warn("config reload: cannot switch voice provider", "provider", d.NewVoiceDefault, "err", err)
		}
	}
	if d.SessionDefaultsChanged {
		a.sessions.SetDefaults(next.Playback, next.Comments)
		slog.Info("config reload: new sessions use updated playback and comment settings")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "sections", d.RestartRequired)
	}
	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session and then runs the registered closers in
// reverse order. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app stopped")
	})
	return errors.Join(errs...)
}
