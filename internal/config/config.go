// Package config provides the configuration schema, loader, and provider registry
// for the duologue server and CLI.
package config

import (
	"time"

	"github.com/MrWong99/duologue/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	LLM        LLMConfig        `yaml:"llm" toml:"llm"`
	Voice      VoiceConfig      `yaml:"voice" toml:"voice"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	Playback   PlaybackConfig   `yaml:"playback" toml:"playback"`
	Comments   CommentsConfig   `yaml:"comments" toml:"comments"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds settings for the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the TCP address the server binds to (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	// LogLevel sets the minimum log level. Valid values: debug, info, warn, error.
	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`

	// SessionSecret signs the browser session cookie. When empty a random
	// secret is generated at startup and cookies do not survive a restart.
	SessionSecret string `yaml:"session_secret" toml:"session_secret"`

	// CORSOrigins lists origins allowed to call the API. Empty allows none
	// beyond same-origin; "*" allows all.
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// MaxSessions caps concurrently open discussion sessions. Zero means
	// unlimited.
	MaxSessions int `yaml:"max_sessions" toml:"max_sessions"`
}

// ProviderEntry is the common configuration block for a text-generation
// backend.
type ProviderEntry struct {
	// Name selects the registered factory (e.g., "gemini", "openai").
	Name string `yaml:"name" toml:"name"`

	// APIKey is the authentication key. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key" toml:"api_key"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	// Model selects a specific model.
	Model string `yaml:"model" toml:"model"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options" toml:"options"`
}

// LLMConfig selects the text-generation backend. Fallbacks are tried in
// order when the primary keeps failing.
type LLMConfig struct {
	ProviderEntry `yaml:",inline"`

	Fallbacks []ProviderEntry `yaml:"fallbacks" toml:"fallbacks"`
}

// HostVoice configures the voice of one host on one backend. Which fields
// matter depends on the backend: cloud backends read Voice, the local
// backend reads Rate, Pitch and Volume.
type HostVoice struct {
	// Voice is the backend voice identifier or name.
	Voice string `yaml:"voice" toml:"voice"`

	// Label is a display name used in the provider's human-readable name.
	Label string `yaml:"label" toml:"label"`

	// Gender is a hint for backends that select voices by gender.
	Gender string `yaml:"gender" toml:"gender"`

	Rate   float64 `yaml:"rate" toml:"rate"`
	Pitch  float64 `yaml:"pitch" toml:"pitch"`
	Volume float64 `yaml:"volume" toml:"volume"`
}

// VoiceEntry configures one speech backend.
type VoiceEntry struct {
	// Name selects the registered factory: elevenlabs, openai, google, local.
	Name string `yaml:"name" toml:"name"`

	// Disabled keeps the entry in the file but skips it at startup.
	Disabled bool `yaml:"disabled" toml:"disabled"`

	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`

	// Hosts overrides the stock voices, keyed by "alex" and "jordan".
	Hosts map[string]HostVoice `yaml:"hosts" toml:"hosts"`

	// Options holds backend-specific settings (e.g. "stream" for ElevenLabs).
	Options map[string]any `yaml:"options" toml:"options"`
}

// Host returns the override for speaker and whether one is configured.
func (e VoiceEntry) Host(speaker types.Speaker) (HostVoice, bool) {
	h, ok := e.Hosts[string(speaker)]
	return h, ok
}

// VoiceConfig configures the speech backends and the provider selector.
type VoiceConfig struct {
	// Default is the backend selected at startup. When unavailable the
	// selector falls back along Order.
	Default string `yaml:"default" toml:"default"`

	// Order is the fallback priority. Default: elevenlabs, openai, google, local.
	Order []string `yaml:"order" toml:"order"`

	// ProbeTimeout bounds each availability probe. Default: 5s.
	ProbeTimeout time.Duration `yaml:"probe_timeout" toml:"probe_timeout"`

	// Parallelism is how many lines a backend synthesizes at once. Default: 1.
	Parallelism int `yaml:"parallelism" toml:"parallelism"`

	// Player selects where audio is played: "browser" (the default for
	// serve) or "speaker" (the local output device).
	Player string `yaml:"player" toml:"player"`

	Providers []VoiceEntry `yaml:"providers" toml:"providers"`
}

// Entry returns the configured entry named name.
func (v VoiceConfig) Entry(name string) (VoiceEntry, bool) {
	for _, e := range v.Providers {
		if e.Name == name {
			return e, true
		}
	}
	return VoiceEntry{}, false
}

// RetryConfig bounds retries of transient generation failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts. Default: 3.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	// Initial is the first backoff delay. Default: 1s.
	Initial time.Duration `yaml:"initial" toml:"initial"`

	// Max caps the backoff delay. Default: 8s.
	Max time.Duration `yaml:"max" toml:"max"`
}

// GenerationConfig tunes text generation.
type GenerationConfig struct {
	// Turns is the number of lines in a generated discussion. Default: 8.
	Turns int `yaml:"turns" toml:"turns"`

	// Temperature is the sampling temperature. Default: 0.8.
	Temperature float64 `yaml:"temperature" toml:"temperature"`

	// MaxTokens caps each response. Zero leaves it to the backend.
	MaxTokens int `yaml:"max_tokens" toml:"max_tokens"`

	Retry RetryConfig `yaml:"retry" toml:"retry"`
}

// PlaybackConfig tunes the playback sequencer.
type PlaybackConfig struct {
	// Gap is the pause between items. Default: 300ms.
	Gap time.Duration `yaml:"gap" toml:"gap"`

	// Jitter adds up to this much random delay to each gap.
	Jitter time.Duration `yaml:"jitter" toml:"jitter"`
}

// CommentsConfig tunes the comment integration flow.
type CommentsConfig struct {
	// MaxPending bounds the comment queue. Default: 32.
	MaxPending int `yaml:"max_pending" toml:"max_pending"`

	// RecentTurns is how many played turns are sent as context. Default: 6.
	RecentTurns int `yaml:"recent_turns" toml:"recent_turns"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// ApplyDefaults fills zero values with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.LLM.Name == "" {
		c.LLM.Name = "gemini"
	}
	if len(c.Voice.Order) == 0 {
		c.Voice.Order = []string{"elevenlabs", "openai", "google", "local"}
	}
	if c.Voice.Default == "" {
		c.Voice.Default = "local"
	}
	if c.Voice.ProbeTimeout == 0 {
		c.Voice.ProbeTimeout = 5 * time.Second
	}
	if c.Voice.Parallelism == 0 {
		c.Voice.Parallelism = 1
	}
	if c.Voice.Player == "" {
		c.Voice.Player = PlayerBrowser
	}
	if c.Generation.Turns == 0 {
		c.Generation.Turns = 8
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.8
	}
	if c.Generation.Retry.MaxAttempts == 0 {
		c.Generation.Retry.MaxAttempts = 3
	}
	if c.Generation.Retry.Initial == 0 {
		c.Generation.Retry.Initial = time.Second
	}
	if c.Generation.Retry.Max == 0 {
		c.Generation.Retry.Max = 8 * time.Second
	}
	if c.Playback.Gap == 0 {
		c.Playback.Gap = 300 * time.Millisecond
	}
	if c.Comments.MaxPending == 0 {
		c.Comments.MaxPending = 32
	}
	if c.Comments.RecentTurns == 0 {
		c.Comments.RecentTurns = 6
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "duologue"
	}
}

// Player values for VoiceConfig.Player.
const (
	PlayerBrowser = "browser"
	PlayerSpeaker = "speaker"
)
