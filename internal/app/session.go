package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/duologue/internal/comments"
	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/playback"
	"github.com/MrWong99/duologue/internal/textgen"
	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

var (
	// ErrBusy is returned by Generate while a generation is already running.
	ErrBusy = errors.New("app: discussion generation already in progress")

	// ErrNoDialogue is returned when the generated script parses to nothing.
	ErrNoDialogue = errors.New("app: generated discussion contains no dialogue")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("app: session is closed")

	// ErrInvalidSpeaker is returned by Preview for an unknown host.
	ErrInvalidSpeaker = errors.New("app: unknown speaker")

	// ErrNoOutput is returned when the session has no output for the media
	// the active voice provider produced.
	ErrNoOutput = errors.New("app: no output for this media")
)

// DefaultPreviewText is spoken by Preview when no text is given.
const DefaultPreviewText = "Hello, this is a test of the text-to-speech service."

// Generator is the text generation the session needs.
type Generator interface {
	comments.Acknowledger
	GenerateDiscussion(ctx context.Context, topic, description string) (string, error)
	Summarize(ctx context.Context, topic string, segments []types.DialogueSegment) (*textgen.Summary, error)
}

// Voices yields the active voice provider. The provider selector satisfies it.
type Voices interface {
	Current() (voice.ID, voice.Provider)
}

// SessionConfig describes one discussion.
type SessionConfig struct {
	Topic       string
	Description string

	// Player renders encoded audio and Engine speaks local utterances. Either
	// may be nil if the matching media kind is never produced.
	Player audio.Player
	Engine speech.Engine

	Playback config.PlaybackConfig
	Comments config.CommentsConfig
}

// SessionStatus is the externally visible state of a session.
type SessionStatus struct {
	ID          uuid.UUID         `json:"id"`
	Topic       string            `json:"topic"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Generating  bool              `json:"generating"`
	Playback    playback.Snapshot `json:"playback"`
	Comments    comments.Status   `json:"comments"`
	Provider    voice.ID          `json:"provider"`
	LastError   string            `json:"lastError,omitempty"`
}

// DebugInfo is the compact diagnostic view shown by the debug panel.
type DebugInfo struct {
	Provider       string        `json:"provider"`
	ProviderID     voice.ID      `json:"providerId"`
	Status         string        `json:"status"`
	Generating     bool          `json:"generating"`
	Playing        bool          `json:"playing"`
	CurrentSpeaker types.Speaker `json:"currentSpeaker,omitempty"`
	QueueLength    int           `json:"queueLength"`
	Segment        string        `json:"segment"`
}

// Session binds a topic to a playback sequencer, a comment flow, the text
// generator, and the voice selector. It is safe for concurrent use.
type Session struct {
	id          uuid.UUID
	topic       string
	description string
	createdAt   time.Time

	seq    *playback.Sequencer
	flow   *comments.Flow
	gen    Generator
	voices Voices
	player audio.Player
	engine speech.Engine
	log    *slog.Logger

	mu         sync.Mutex
	generating bool
	lastErr    error
	closed     bool
	cancelGen  context.CancelFunc
	subs       []statusSub
	nextSub    int
	unsubs     []func()

	// cancelPreview stops the preview that is playing, if any.
	cancelPreview context.CancelFunc
}

type statusSub struct {
	id int
	fn func(SessionStatus)
}

// NewSession creates a session. The comment worker starts immediately;
// nothing plays until Generate is called.
func NewSession(id uuid.UUID, cfg SessionConfig, gen Generator, voices Voices, metrics *observe.Metrics) *Session {
	log := slog.Default().With("session_id", id)
	s := &Session{
		id:          id,
		topic:       cfg.Topic,
		description: cfg.Description,
		createdAt:   time.Now(),
		gen:         gen,
		voices:      voices,
		player:      cfg.Player,
		engine:      cfg.Engine,
		log:         log,
	}

	seqOpts := []playback.Option{
		playback.WithGap(cfg.Playback.Gap, cfg.Playback.Jitter),
		playback.WithLogger(log),
	}
	flowOpts := []comments.Option{
		comments.WithMaxPending(cfg.Comments.MaxPending),
		comments.WithRecentTurns(cfg.Comments.RecentTurns),
		comments.WithLogger(log),
	}
	if metrics != nil {
		seqOpts = append(seqOpts, playback.WithMetrics(metrics))
		flowOpts = append(flowOpts, comments.WithMetrics(metrics))
	}
	s.seq = playback.New(cfg.Player, cfg.Engine, seqOpts...)
	s.flow = comments.New(comments.Config{SessionID: id.String(), Topic: cfg.Topic, Description: cfg.Description},
		s.seq, gen, voices, flowOpts...)

	s.unsubs = append(s.unsubs,
		s.seq.Subscribe(func(playback.Snapshot) { s.notify() }),
		s.flow.Subscribe(func(comments.Status) { s.notify() }),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Topic returns the discussion topic.
func (s *Session) Topic() string { return s.topic }

// Player returns the audio output the session was created with.
func (s *Session) Player() audio.Player { return s.player }

// Generate writes a new discussion, synthesizes it with the active voice
// provider, and starts playing it from the first line. Whatever was queued
// before is replaced once synthesis has succeeded.
func (s *Session) Generate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.generating {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.generating = true
	s.cancelGen = cancel
	s.mu.Unlock()
	s.notify()

	err := s.generate(ctx)
	cancel()

	s.mu.Lock()
	s.generating = false
	s.cancelGen = nil
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
	return err
}

func (s *Session) generate(ctx context.Context) error {
	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id.String()), observe.SpanSessionGenerate)
	defer span.End()

	script, err := s.gen.GenerateDiscussion(ctx, s.topic, s.description)
	if err != nil {
		return fmt.Errorf("app: generate discussion: %w", err)
	}

	id, provider := s.voices.Current()
	items, err := provider.GenerateDiscussionAudio(ctx, script)
	if err != nil {
		return fmt.Errorf("app: synthesize with %s: %w", id, err)
	}
	if len(items) == 0 {
		return ErrNoDialogue
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.seq.Start(items)
	observe.Enrich(ctx, s.log).Info("session: discussion started", "provider", id, "items", len(items))
	return nil
}

// Pause pauses playback.
func (s *Session) Pause() { s.seq.Pause() }

// Resume restarts the paused item from its beginning.
func (s *Session) Resume() { s.seq.Resume() }

// Stop silences playback and clears the queue. A generation in flight and
// a playing preview are cancelled too.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, preview := s.cancelGen, s.cancelPreview
	s.cancelPreview = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if preview != nil {
		preview()
	}
	s.seq.Stop()
}

// Preview speaks text in speaker's voice with the active provider, so a
// listener can hear a voice before or during a discussion. An empty speaker
// means Alex and empty text means [DefaultPreviewText].
//
// The output is exclusive: a playing discussion is paused and an earlier
// preview is cut off. Preview returns once the output has started; ctx
// bounds synthesis only.
func (s *Session) Preview(ctx context.Context, speaker types.Speaker, text string) error {
	if speaker == "" {
		speaker = types.SpeakerAlex
	}
	if !speaker.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidSpeaker, speaker)
	}
	if text = strings.TrimSpace(text); text == "" {
		text = DefaultPreviewText
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id.String()), observe.SpanSessionPreview)
	defer span.End()

	id, provider := s.voices.Current()
	media, err := provider.GenerateSpeech(ctx, text, speaker)
	if err != nil {
		return fmt.Errorf("app: preview with %s: %w", id, err)
	}

	s.seq.Pause()
	pctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	prev := s.cancelPreview
	s.cancelPreview = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	if s.engine != nil {
		s.engine.Cancel()
	}

	var ch <-chan types.PlaybackEvent
	switch m := media.(type) {
	case types.EncodedAudio:
		if s.player == nil {
			err = ErrNoOutput
			break
		}
		ch, err = s.player.Play(pctx, m)
	case types.Utterance:
		if s.engine == nil {
			err = ErrNoOutput
			break
		}
		ch, err = s.engine.Speak(pctx, m)
	default:
		err = ErrNoOutput
	}
	if err != nil {
		cancel()
		return fmt.Errorf("app: preview: %w", err)
	}

	go func() {
		if ev, ok := audio.Wait(ch); ok && ev.Kind == types.EventFailed {
			s.log.Warn("session: preview failed", "speaker", speaker, "err", ev.Err)
		}
		cancel()
	}()
	observe.Enrich(ctx, s.log).Info("session: preview", "provider", id, "speaker", speaker)
	return nil
}

// SubmitComment queues a listener comment for integration.
func (s *Session) SubmitComment(ctx context.Context, text, author string) (comments.QueuedComment, error) {
	return s.flow.Submit(ctx, text, author)
}

// Status returns a snapshot of the whole session.
func (s *Session) Status() SessionStatus {
	id, _ := s.voices.Current()
	snap := s.seq.Snapshot()
	st := SessionStatus{
		ID:          s.id,
		Topic:       s.topic,
		Description: s.description,
		CreatedAt:   s.createdAt,
		Playback:    snap,
		Comments:    s.flow.Status(),
		Provider:    id,
	}
	s.mu.Lock()
	st.Generating = s.generating
	lastErr := s.lastErr
	s.mu.Unlock()
	switch {
	case lastErr != nil:
		st.LastError = lastErr.Error()
	case snap.Err != nil:
		st.LastError = snap.Err.Error()
	}
	return st
}

// DebugInfo returns the diagnostic view.
func (s *Session) DebugInfo() DebugInfo {
	id, provider := s.voices.Current()
	snap := s.seq.Snapshot()
	s.mu.Lock()
	generating := s.generating
	s.mu.Unlock()

	info := DebugInfo{
		Provider:       provider.Name(),
		ProviderID:     id,
		Status:         snap.State.String(),
		Generating:     generating,
		Playing:        snap.State == playback.Playing,
		CurrentSpeaker: snap.Speaker,
		QueueLength:    snap.Length,
		Segment:        "segment 0 of 0",
	}
	if snap.Length > 0 {
		info.Segment = fmt.Sprintf("segment %d of %d", min(snap.Cursor+1, snap.Length), snap.Length)
	}
	return info
}

// Transcript returns every queued line, played or not, in order.
func (s *Session) Transcript() []types.DialogueSegment {
	items := s.seq.Items()
	out := make([]types.DialogueSegment, len(items))
	for i, it := range items {
		out[i] = types.DialogueSegment{Speaker: it.Speaker, Text: it.Text}
	}
	return out
}

// Summary digests the discussion so far.
func (s *Session) Summary(ctx context.Context) (*textgen.Summary, error) {
	return s.gen.Summarize(ctx, s.topic, s.Transcript())
}

// Subscribe registers fn for any change to the session status. The returned
// function removes the subscription. fn runs synchronously and must not block.
func (s *Session) Subscribe(fn func(SessionStatus)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, statusSub{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub statusSub) bool { return sub.id == id })
		})
	}
}

// Close stops playback and the comment worker. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelGen
	if s.cancelPreview != nil {
		s.cancelPreview()
		s.cancelPreview = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.subs = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, u := range unsubs {
		u()
	}
	s.flow.Close()
	s.seq.Close()
	s.log.Info("session: closed")
}

func (s *Session) notify() {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	st := s.Status()
	for _, sub := range subs {
		sub.fn(st)
	}
}
