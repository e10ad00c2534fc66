package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFromPath picks the syntax from the file extension. Anything that is
// not .toml is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised LLM names and to reject
// unknown voice backends.
var ValidProviderNames = map[string][]string{
	"llm":   {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"voice": {"elevenlabs", "openai", "google", "local"},
}

// envRef matches ${VAR} references. Bare $VAR is left alone so literal
// dollar signs survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment without overriding variables that are already set. With no
// arguments it reads ./.env if present.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// Load reads the configuration file at path and returns a validated [Config].
// The syntax is chosen by [FormatFromPath]. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Decode(bytes.NewReader(data), FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return Decode(r, FormatYAML)
}

// Decode reads a config in the given syntax, expands ${VAR} references,
// applies defaults, and validates the result. Unknown keys are rejected.
func Decode(r io.Reader, format Format) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: decode toml: unknown keys %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: referenced environment variable is not set", "name", name)
		}
		return []byte(v)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions must not be negative"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}

	// LLM
	validateProviderName("llm", cfg.LLM.Name)
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	// Voice
	known := ValidProviderNames["voice"]
	if cfg.Voice.Default != "" && !slices.Contains(known, cfg.Voice.Default) {
		errs = append(errs, fmt.Errorf("voice.default %q is invalid; valid values: %s", cfg.Voice.Default, strings.Join(known, ", ")))
	}
	seenOrder := make(map[string]int, len(cfg.Voice.Order))
	for i, name := range cfg.Voice.Order {
		if !slices.Contains(known, name) {
			errs = append(errs, fmt.Errorf("voice.order[%d] %q is invalid; valid values: %s", i, name, strings.Join(known, ", ")))
			continue
		}
		if prev, ok := seenOrder[name]; ok {
			errs = append(errs, fmt.Errorf("voice.order[%d] %q is a duplicate of voice.order[%d]", i, name, prev))
		}
		seenOrder[name] = i
	}
	if cfg.Voice.ProbeTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.probe_timeout must not be negative"))
	}
	if cfg.Voice.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("voice.parallelism must not be negative"))
	}
	if cfg.Voice.Player != "" && cfg.Voice.Player != PlayerBrowser && cfg.Voice.Player != PlayerSpeaker {
		errs = append(errs, fmt.Errorf("voice.player %q is invalid; valid values: %s, %s", cfg.Voice.Player, PlayerBrowser, PlayerSpeaker))
	}
	seenEntry := make(map[string]int, len(cfg.Voice.Providers))
	for i, e := range cfg.Voice.Providers {
		prefix := fmt.Sprintf("voice.providers[%d]", i)
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		case !slices.Contains(known, e.Name):
			errs = append(errs, fmt.Errorf("%s.name %q is invalid; valid values: %s", prefix, e.Name, strings.Join(known, ", ")))
			continue
		}
		if prev, ok := seenEntry[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of voice.providers[%d]", prefix, e.Name, prev))
		}
		seenEntry[e.Name] = i
		for host := range e.Hosts {
			if host != "alex" && host != "jordan" {
				errs = append(errs, fmt.Errorf("%s.hosts: unknown host %q; valid values: alex, jordan", prefix, host))
			}
		}
		if !e.Disabled && e.APIKey == "" && (e.Name == "elevenlabs" || e.Name == "openai") {
			slog.Warn("voice provider has no api_key and will report unavailable", "provider", e.Name)
		}
	}

	// Generation
	if cfg.Generation.Turns < 0 {
		errs = append(errs, fmt.Errorf("generation.turns must not be negative"))
	}
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", cfg.Generation.Temperature))
	}
	if cfg.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens must not be negative"))
	}
	r := cfg.Generation.Retry
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("generation.retry.max_attempts must not be negative"))
	}
	if r.Initial < 0 || r.Max < 0 {
		errs = append(errs, fmt.Errorf("generation.retry delays must not be negative"))
	}
	if r.Max > 0 && r.Initial > r.Max {
		errs = append(errs, fmt.Errorf("generation.retry.initial %s exceeds generation.retry.max %s", r.Initial, r.Max))
	}

	// Playback
	if cfg.Playback.Gap < 0 || cfg.Playback.Jitter < 0 {
		errs = append(errs, fmt.Errorf("playback.gap and playback.jitter must not be negative"))
	}

	// Comments
	if cfg.Comments.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("comments.max_pending must not be negative"))
	}
	if cfg.Comments.RecentTurns < 0 {
		errs = append(errs, fmt.Errorf("comments.recent_turns must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
