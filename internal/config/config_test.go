package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/pkg/provider/llm"
	llmmock "github.com/MrWong99/duologue/pkg/provider/llm/mock"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	voicemock "github.com/MrWong99/duologue/pkg/provider/voice/mock"
	"github.com/MrWong99/duologue/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  cors_origins: ["http://localhost:3000"]
  max_sessions: 4

llm:
  name: gemini
  api_key: ${DUOLOGUE_TEST_LLM_KEY}
  model: gemini-1.5-flash
  fallbacks:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini

voice:
  default: openai
  order: [openai, google, local]
  probe_timeout: 3s
  parallelism: 2
  providers:
    - name: openai
      api_key: sk-test
      model: tts-1-hd
      hosts:
        alex:
          voice: echo
        jordan:
          voice: shimmer
    - name: elevenlabs
      disabled: true
    - name: local
      hosts:
        alex:
          rate: 0.8

generation:
  turns: 6
  temperature: 0.5
  retry:
    max_attempts: 5
    initial: 500ms
    max: 4s

playback:
  gap: 250ms
  jitter: 100ms

comments:
  max_pending: 8
`

const sampleTOML = `
[server]
listen_addr = ":9090"
log_level = "warn"

[llm]
name = "openai"
model = "gpt-4o-mini"

[voice]
default = "google"
order = ["google", "local"]

[[voice.providers]]
name = "google"
api_key = "g-key"

[voice.providers.hosts.jordan]
voice = "en-US-Standard-E"

[playback]
gap = "1s"
`

// ── loading ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Setenv("DUOLOGUE_TEST_LLM_KEY", "gm-secret")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.LLM.Name != "gemini" || cfg.LLM.APIKey != "gm-secret" {
		t.Errorf("llm: got name=%q key=%q", cfg.LLM.Name, cfg.LLM.APIKey)
	}
	if len(cfg.LLM.Fallbacks) != 1 || cfg.LLM.Fallbacks[0].Name != "openai" {
		t.Errorf("llm.fallbacks: got %+v", cfg.LLM.Fallbacks)
	}
	if cfg.Voice.ProbeTimeout != 3*time.Second {
		t.Errorf("voice.probe_timeout: got %v", cfg.Voice.ProbeTimeout)
	}
	entry, ok := cfg.Voice.Entry("openai")
	if !ok {
		t.Fatal("voice entry openai missing")
	}
	if h, ok := entry.Host(types.SpeakerJordan); !ok || h.Voice != "shimmer" {
		t.Errorf("openai jordan voice: got %+v ok=%v", h, ok)
	}
	if cfg.Generation.Retry.Initial != 500*time.Millisecond {
		t.Errorf("retry.initial: got %v", cfg.Generation.Retry.Initial)
	}
	if cfg.Playback.Jitter != 100*time.Millisecond {
		t.Errorf("playback.jitter: got %v", cfg.Playback.Jitter)
	}
	// Unset fields still get defaults.
	if cfg.Comments.RecentTurns != 6 {
		t.Errorf("comments.recent_turns: got %d, want default 6", cfg.Comments.RecentTurns)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Voice.Default != "local" {
		t.Errorf("voice.default default: got %q", cfg.Voice.Default)
	}
	if got := strings.Join(cfg.Voice.Order, ","); got != "elevenlabs,openai,google,local" {
		t.Errorf("voice.order default: got %q", got)
	}
	if cfg.Generation.Turns != 8 || cfg.Generation.Retry.MaxAttempts != 3 {
		t.Errorf("generation defaults: got %+v", cfg.Generation)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestDecode_TOML(t *testing.T) {
	t.Parallel()
	cfg, err := config.Decode(strings.NewReader(sampleTOML), config.FormatTOML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.LLM.Name != "openai" {
		t.Errorf("llm.name: got %q", cfg.LLM.Name)
	}
	if cfg.Playback.Gap != time.Second {
		t.Errorf("playback.gap: got %v", cfg.Playback.Gap)
	}
	entry, ok := cfg.Voice.Entry("google")
	if !ok || entry.APIKey != "g-key" {
		t.Fatalf("google entry: got %+v ok=%v", entry, ok)
	}
	if h, _ := entry.Host(types.SpeakerJordan); h.Voice != "en-US-Standard-E" {
		t.Errorf("google jordan voice: got %q", h.Voice)
	}
}

func TestDecode_TOMLUnknownKeyRejected(t *testing.T) {
	t.Parallel()
	_, err := config.Decode(strings.NewReader("[server]\nport = 80\n"), config.FormatTOML)
	if err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Fatalf("expected unknown key error naming server.port, got %v", err)
	}
}

func TestLoad_PicksFormatByExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "duologue.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Voice.Default != "google" {
		t.Errorf("voice.default: got %q", cfg.Voice.Default)
	}

	if _, err := config.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatFromPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want config.Format
	}{
		{"config.yaml", config.FormatYAML},
		{"config.yml", config.FormatYAML},
		{"config.TOML", config.FormatTOML},
		{"config", config.FormatYAML},
	}
	for _, tt := range tests {
		if got := config.FormatFromPath(tt.path); got != tt.want {
			t.Errorf("FormatFromPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DUOLOGUE_TEST_ENV_ONLY=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DUOLOGUE_TEST_ENV_ONLY", "")
	os.Unsetenv("DUOLOGUE_TEST_ENV_ONLY")

	if err := config.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("DUOLOGUE_TEST_ENV_ONLY"); got != "from-file" {
		t.Errorf("env: got %q, want from-file", got)
	}
	if err := config.LoadEnv(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("expected error for explicit missing env file")
	}
}

func TestDecode_LeavesBareDollarAlone(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("llm:\n  api_key: \"pa$word\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "pa$word" {
		t.Errorf("api_key: got %q", cfg.LLM.APIKey)
	}
}

// ── validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"unknown voice default", "voice:\n  default: polly\n", "voice.default"},
		{"unknown voice in order", "voice:\n  order: [openai, polly]\n", "voice.order[1]"},
		{"duplicate voice in order", "voice:\n  order: [local, local]\n", "duplicate"},
		{"voice entry without name", "voice:\n  providers:\n    - api_key: x\n", "voice.providers[0].name is required"},
		{"duplicate voice entry", "voice:\n  providers:\n    - name: local\n    - name: local\n", "duplicate"},
		{"unknown host", "voice:\n  providers:\n    - name: local\n      hosts:\n        sam: {rate: 1}\n", "unknown host"},
		{"invalid player", "voice:\n  player: hdmi\n", "voice.player"},
		{"temperature out of range", "generation:\n  temperature: 3\n", "generation.temperature"},
		{"retry initial exceeds max", "generation:\n  retry:\n    initial: 10s\n    max: 1s\n", "generation.retry.initial"},
		{"negative gap", "playback:\n  gap: -1s\n", "playback.gap"},
		{"fallback without name", "llm:\n  fallbacks:\n    - model: x\n", "llm.fallbacks[0].name"},
		{"negative max sessions", "server:\n  max_sessions: -1\n", "server.max_sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.LogLevel = "loud"
	cfg.Voice.Default = "polly"
	cfg.Comments.MaxPending = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "voice.default", "comments.max_pending"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "voice"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known names for %s", kind)
		}
	}
}

// ── registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownVoice(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateVoice(config.VoiceEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		got = e
		return &llmmock.Provider{}, nil
	})
	p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}
	if got.Model != "m1" {
		t.Errorf("factory received model %q", got.Model)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("boom")
	reg.RegisterVoice("openai", func(config.VoiceEntry) (voice.Provider, error) { return nil, wantErr })
	if _, err := reg.CreateVoice(config.VoiceEntry{Name: "openai"}); !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestRegistry_CreateVoices(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var seen []config.VoiceEntry
	for _, name := range []string{"elevenlabs", "openai", "local"} {
		reg.RegisterVoice(name, func(e config.VoiceEntry) (voice.Provider, error) {
			seen = append(seen, e)
			return &voicemock.Provider{ProviderName: e.Name}, nil
		})
	}
	reg.RegisterVoice("google", func(config.VoiceEntry) (voice.Provider, error) {
		return nil, errors.New("no credentials")
	})

	cfg := config.VoiceConfig{
		Order: []string{"elevenlabs", "openai", "google", "local"},
		Providers: []config.VoiceEntry{
			{Name: "elevenlabs", Disabled: true},
			{Name: "openai", APIKey: "sk"},
		},
	}
	got, err := reg.CreateVoices(cfg)
	if err == nil || !strings.Contains(err.Error(), "google") {
		t.Errorf("expected joined google error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("providers: got %d, want 2 (openai, local)", len(got))
	}
	if _, ok := got[voice.IDOpenAI]; !ok {
		t.Error("openai missing")
	}
	if _, ok := got[voice.IDLocal]; !ok {
		t.Error("local missing")
	}
	if len(seen) != 2 || seen[0].APIKey != "sk" || seen[1].Name != "local" {
		t.Errorf("factory entries: got %+v", seen)
	}
	if names := reg.VoiceNames(); len(names) != 4 || names[0] != "elevenlabs" {
		t.Errorf("VoiceNames: got %v", names)
	}
}
