// Package selector holds the process-wide choice of voice provider.
//
// A [Selector] owns a fixed set of named providers, tracks which one is
// active, and tells subscribers when that changes. [Selector.ProbeAndSelect]
// applies the availability fallback policy: keep the current provider if it
// answers, otherwise take the first available one in priority order. The
// local provider closes every priority list and is always considered
// available, so selection never ends up empty.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duologue/pkg/provider/voice"
)

// ErrUnknownProvider is returned by SetProvider for IDs that were not
// registered.
var ErrUnknownProvider = errors.New("selector: unknown provider")

// Availability is the probe result for one provider.
type Availability struct {
	Provider  voice.ID `json:"provider"`
	Name      string   `json:"name"`
	Available bool     `json:"available"`
}

// Change describes a provider switch. Previous is empty for the initial
// selection.
type Change struct {
	Previous voice.ID
	Current  voice.ID
	Provider voice.Provider
}

// Option configures a Selector.
type Option func(*Selector)

// WithOrder sets the fallback priority. IDs without a registered provider
// are ignored and the local provider is appended when missing.
func WithOrder(ids ...voice.ID) Option {
	return func(s *Selector) {
		s.order = slices.Clone(ids)
	}
}

// WithInitial selects id at construction instead of the local provider.
func WithInitial(id voice.ID) Option {
	return func(s *Selector) {
		s.current = id
	}
}

// WithProbeTimeout bounds each provider's TestConnection during Probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Selector) {
		s.probeTimeout = d
	}
}

type subscriber struct {
	id int
	fn func(Change)
}

// Selector is safe for concurrent use.
type Selector struct {
	providers    map[voice.ID]voice.Provider
	order        []voice.ID
	probeTimeout time.Duration

	mu          sync.Mutex
	current     voice.ID
	subs        []subscriber
	nextSub     int
	last        []Availability
	lastProbeAt time.Time

	// notifyMu serializes notifications so subscribers observe changes in
	// the order they were applied.
	notifyMu sync.Mutex
}

// New creates a Selector. providers must contain the local provider.
func New(providers map[voice.ID]voice.Provider, opts ...Option) (*Selector, error) {
	if providers[voice.IDLocal] == nil {
		return nil, fmt.Errorf("selector: the %q provider is required", voice.IDLocal)
	}
	s := &Selector{
		providers:    make(map[voice.ID]voice.Provider, len(providers)),
		order:        slices.Clone(voice.DefaultOrder),
		current:      voice.IDLocal,
		probeTimeout: 10 * time.Second,
	}
	for id, p := range providers {
		if p != nil {
			s.providers[id] = p
		}
	}
	for _, o := range opts {
		o(s)
	}

	order := make([]voice.ID, 0, len(s.order)+1)
	for _, id := range s.order {
		if _, ok := s.providers[id]; ok && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	if !slices.Contains(order, voice.IDLocal) {
		order = append(order, voice.IDLocal)
	}
	// Registered providers missing from the order go just before local.
	for id := range s.providers {
		if !slices.Contains(order, id) {
			order = slices.Insert(order, len(order)-1, id)
		}
	}
	s.order = order

	if _, ok := s.providers[s.current]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, s.current)
	}
	return s, nil
}

// Order returns the effective fallback priority.
func (s *Selector) Order() []voice.ID {
	return slices.Clone(s.order)
}

// Current returns the active provider.
func (s *Selector) Current() (voice.ID, voice.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.providers[s.current]
}

// Provider returns the provider registered under id.
func (s *Selector) Provider(id voice.ID) (voice.Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// SetProvider makes id the active provider. Subscribers are notified after
// the switch is applied, outside the lock, in subscription order. Selecting
// the already active provider is a no-op.
func (s *Selector) SetProvider(id voice.ID) error {
	p, ok := s.providers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.current
	if prev == id {
		s.mu.Unlock()
		return nil
	}
	s.current = id
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	slog.Info("selector: voice provider changed", "from", prev, "to", id, "name", p.Name())
	ch := Change{Previous: prev, Current: id, Provider: p}
	for _, sub := range subs {
		sub.fn(ch)
	}
	return nil
}

// Subscribe registers fn for provider changes. The returned function removes
// exactly this subscription and is safe to call more than once.
func (s *Selector) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
		})
	}
}

// Probe tests every provider concurrently and returns the results in
// priority order. The local provider is always reported available.
func (s *Selector) Probe(ctx context.Context) []Availability {
	results := make([]Availability, len(s.order))

	// Probe failures are reported as unavailability, never as errors.
	var g errgroup.Group
	for i, id := range s.order {
		p := s.providers[id]
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
			defer cancel()

			start := time.Now()
			ok := p.TestConnection(pctx)
			if id == voice.IDLocal && !ok {
				slog.Debug("selector: local provider probe failed, keeping it available")
				ok = true
			}
			slog.Debug("selector: probe", "provider", id, "available", ok, "took", time.Since(start))
			results[i] = Availability{Provider: id, Name: p.Name(), Available: ok}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.last = slices.Clone(results)
	s.lastProbeAt = time.Now()
	s.mu.Unlock()
	return results
}

// ProbeAndSelect probes all providers and applies the fallback policy.
func (s *Selector) ProbeAndSelect(ctx context.Context) (voice.ID, []Availability) {
	results := s.Probe(ctx)
	cur, _ := s.Current()
	target := Choose(cur, results)
	if target != cur {
		slog.Warn("selector: current provider unavailable, falling back", "from", cur, "to", target)
		_ = s.SetProvider(target)
	}
	return target, results
}

// Choose implements the fallback policy over probe results: keep current if
// it is available, else the first available provider, else local.
func Choose(current voice.ID, results []Availability) voice.ID {
	for _, a := range results {
		if a.Provider == current && a.Available {
			return current
		}
	}
	for _, a := range results {
		if a.Available {
			return a.Provider
		}
	}
	return voice.IDLocal
}

// LastProbe returns the most recent probe results and when they were taken.
// The slice is nil before the first probe.
func (s *Selector) LastProbe() ([]Availability, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.last), s.lastProbeAt
}

// CheckReady reports an error when the active provider failed its last
// probe. It is meant for readiness checks.
func (s *Selector) CheckReady(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return errors.New("providers not probed yet")
	}
	for _, a := range s.last {
		if a.Provider == s.current {
			if !a.Available {
				return fmt.Errorf("active provider %q unavailable", s.current)
			}
			return nil
		}
	}
	return nil
}
