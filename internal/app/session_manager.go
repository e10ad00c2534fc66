package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrTooManySessions is returned by Create when the session cap is hit.
	ErrTooManySessions = errors.New("app: too many open sessions")

	// ErrEmptyTopic is returned by Create without a topic.
	ErrEmptyTopic = errors.New("app: topic is required")

	// ErrManagerClosed is returned by Create after Shutdown.
	ErrManagerClosed = errors.New("app: session manager is shut down")
)

// Outputs are the media sinks of one session, plus an optional closer that
// releases them when the session is closed.
type Outputs struct {
	Player audio.Player
	Engine speech.Engine
	Close  func() error
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Topic       string
	Description string

	// Outputs overrides the manager's default outputs for this session.
	Outputs *Outputs
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Generator Generator
	Voices    Voices
	Metrics   *observe.Metrics

	// Outputs is used for sessions created without their own outputs.
	Outputs Outputs

	// MaxSessions caps open sessions. Zero means unlimited.
	MaxSessions int

	Playback config.PlaybackConfig
	Comments config.CommentsConfig
}

type managed struct {
	session *Session
	closer  func() error
}

// SessionManager owns every open discussion session, keyed by UUID.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]managed
	closed   bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[uuid.UUID]managed),
	}
}

// SetDefaults replaces the playback and comment tuning used for sessions
// created from now on.
func (sm *SessionManager) SetDefaults(pb config.PlaybackConfig, cm config.CommentsConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg.Playback = pb
	sm.cfg.Comments = cm
}

// Create opens a new session. Nothing plays until its Generate is called.
func (sm *SessionManager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	out := sm.cfg.Outputs
	if req.Outputs != nil {
		out = *req.Outputs
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, sm.cfg.MaxSessions)
	}
	id := uuid.New()
	s := NewSession(id, SessionConfig{
		Topic:       topic,
		Description: strings.TrimSpace(req.Description),
		Player:      out.Player,
		Engine:      out.Engine,
		Playback:    sm.cfg.Playback,
		Comments:    sm.cfg.Comments,
	}, sm.cfg.Generator, sm.cfg.Voices, sm.cfg.Metrics)
	sm.sessions[id] = managed{session: s, closer: out.Close}
	n := len(sm.sessions)
	sm.mu.Unlock()

	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session created", "session_id", id, "topic", topic, "open_sessions", n)
	return s, nil
}

// Get returns the session with id.
func (sm *SessionManager) Get(id uuid.UUID) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.session, nil
}

// List returns the status of every open session, oldest first.
func (sm *SessionManager) List() []SessionStatus {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		sessions = append(sessions, m.session)
	}
	sm.mu.Unlock()

	out := make([]SessionStatus, len(sessions))
	for i, s := range sessions {
		out[i] = s.Status()
	}
	slices.SortFunc(out, func(a, b SessionStatus) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Len returns the number of open sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Close closes and forgets the session with id.
func (sm *SessionManager) Close(id uuid.UUID) error {
	sm.mu.Lock()
	m, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sm.closeOne(id, m)
	return nil
}

// Shutdown closes every session and rejects new ones.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	all := sm.sessions
	sm.sessions = make(map[uuid.UUID]managed)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for id, m := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.closeOne(id, m)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("session manager stopped", "closed_sessions", len(all))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: shutdown sessions: %w", ctx.Err())
	}
}

func (sm *SessionManager) closeOne(id uuid.UUID, m managed) {
	m.session.Close()
	if m.closer != nil {
		if err := m.closer(); err != nil {
			slog.Warn("session: output close error", "session_id", id, "err", err)
		}
	}
	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
}
