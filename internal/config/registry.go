package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	llm   map[string]func(ProviderEntry) (llm.Provider, error)
	voice map[string]func(VoiceEntry) (voice.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:   make(map[string]func(ProviderEntry) (llm.Provider, error)),
		voice: make(map[string]func(VoiceEntry) (voice.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterVoice registers a voice provider factory under name.
func (r *Registry) RegisterVoice(name string, factory func(VoiceEntry) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVoice instantiates a voice provider using the factory registered under entry.Name.
func (r *Registry) CreateVoice(entry VoiceEntry) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// VoiceNames returns the registered voice provider names, sorted.
func (r *Registry) VoiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.voice))
}

// CreateVoices builds every backend named in cfg.Voice.Order. Entries missing
// from cfg.Voice.Providers are created from a bare [VoiceEntry] so stock
// voices apply; disabled entries are skipped. A backend whose factory fails
// is left out and its error joined into the returned error, so the caller
// can still start with the rest.
func (r *Registry) CreateVoices(cfg VoiceConfig) (map[voice.ID]voice.Provider, error) {
	out := make(map[voice.ID]voice.Provider, len(cfg.Order))
	var errs []error
	for _, name := range cfg.Order {
		entry, ok := cfg.Entry(name)
		if !ok {
			entry = VoiceEntry{Name: name}
		}
		if entry.Disabled {
			continue
		}
		p, err := r.CreateVoice(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("voice %q: %w", name, err))
			continue
		}
		out[voice.ID(name)] = p
	}
	return out, errors.Join(errs...)
}
