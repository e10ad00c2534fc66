// Package playback implements the discussion playback sequencer: a queue of
// [types.PlayableItem] values played one at a time, in order, with pause,
// resume, stop and tail-append.
//
// Encoded audio goes to an [audio.Player]; utterance descriptors go to a
// [speech.Engine]. Both paths report completion through the same event
// stream contract and converge on a single advance step.
//
// Every asynchronous completion carries the epoch it was started under. Any
// operation that abandons the current item (Start, Pause, Resume, Stop)
// bumps the epoch, so late completions from abandoned items are dropped.
// Start and Stop also bump the generation: work prepared for one queue
// (see [Sequencer.AppendIf]) is refused by the next.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

// State is the sequencer's playback state.
type State int

const (
	Idle State = iota
	Playing
	Paused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrNoMedia is reported for items that carry no media.
var ErrNoMedia = errors.New("playback: item has no media")

var errAbandoned = errors.New("playback: item abandoned")

// PlaybackError reports the item that failed to play.
type PlaybackError struct {
	Index   int
	Speaker types.Speaker
	Err     error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: item %d (%s): %v", e.Index, e.Speaker, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// ItemCompletion is passed to OnItemComplete hooks.
type ItemCompletion struct {
	Index   int
	Speaker types.Speaker

	// Natural is true when the item played to its end. It is false when the
	// hook was released early by Pause, Stop, Start or a playback failure;
	// Index and Speaker then describe the item that was current.
	Natural bool
}

// Snapshot is a consistent view of the sequencer for rendering.
type Snapshot struct {
	State  State `json:"state"`
	Cursor int   `json:"cursor"`
	Length int   `json:"length"`

	// Speaker and Text describe the item at the cursor, if any.
	Speaker types.Speaker `json:"speaker,omitempty"`
	Text    string        `json:"text,omitempty"`

	// LastSpeaker is the speaker of the most recently completed item.
	LastSpeaker types.Speaker `json:"lastSpeaker,omitempty"`

	// Completed is true when the whole queue has played.
	Completed bool `json:"completed"`

	Err error `json:"-"`
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithGap inserts a pause of d plus a random extra up to jitter between
// consecutive items.
func WithGap(d, jitter time.Duration) Option {
	return func(s *Sequencer) {
		s.gap = max(d, 0)
		s.jitter = max(jitter, 0)
	}
}

// WithMetrics records item outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		s.log = l
	}
}

type hook struct {
	id int
	fn func(ItemCompletion)
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Sequencer plays a queue of items. It is safe for concurrent use.
//
// Hooks and subscribers run synchronously on the goroutine that caused the
// change and must not call mutating Sequencer methods.
type Sequencer struct {
	player audio.Player
	engine speech.Engine
	gap    time.Duration
	jitter time.Duration
	log    *slog.Logger
	// metrics is nil unless WithMetrics is given.
	metrics *observe.Metrics

	// notifyMu orders dispatch so listeners see changes in the order they
	// were applied. Always taken before mu.
	notifyMu sync.Mutex

	// outMu serializes calls into the player and engine. Taken before mu.
	outMu sync.Mutex

	mu          sync.Mutex
	state       State
	queue       []types.PlayableItem
	cursor      int
	epoch       uint64
	generation  uint64
	cancel      context.CancelFunc
	timer       *time.Timer
	lastErr     error
	lastSpeaker types.Speaker
	hooks       []hook
	subs        []subscriber
	nextID      int
}

// New creates a Sequencer. Either output may be nil if the corresponding
// media kind is never queued; such items then fail with a PlaybackError.
func New(player audio.Player, engine speech.Engine, opts ...Option) *Sequencer {
	s := &Sequencer{player: player, engine: engine, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---- Commands ----

// Start replaces the queue with items and plays from the first one. Any
// current output is cancelled. With no items the sequencer goes Idle.
func (s *Sequencer) Start(items []types.PlayableItem) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	released := s.takeHooksLocked()
	cur := s.currentLocked()
	s.haltLocked()
	s.cancelEngine()
	s.generation++
	s.queue = slices.Clone(items)
	s.cursor = 0
	s.lastErr = nil
	s.lastSpeaker = ""
	if len(s.queue) == 0 {
		s.state = Idle
	} else {
		s.state = Playing
		s.launchLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("playback: start", "items", len(items))
	fireHooks(released, cur, false)
	s.dispatch(snap)
}

// Pause stops output and keeps the queue and cursor. No-op unless Playing.
func (s *Sequencer) Pause() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state != Playing {
		s.mu.Unlock()
		return
	}
	released := s.takeHooksLocked()
	cur := s.currentLocked()
	s.haltLocked()
	s.cancelEngine()
	s.state = Paused
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("playback: paused", "cursor", snap.Cursor)
	fireHooks(released, cur, false)
	s.dispatch(snap)
}

// Resume continues a paused queue by restarting the item at the cursor from
// its beginning. Resuming a queue that has nothing left goes Idle. No-op
// unless Paused.
func (s *Sequencer) Resume() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state != Paused {
		s.mu.Unlock()
		return
	}
	s.epoch++
	if s.cursor >= len(s.queue) {
		s.state = Idle
	} else {
		s.state = Playing
		s.launchLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("playback: resumed", "cursor", snap.Cursor, "state", snap.State)
	s.dispatch(snap)
}

// Stop cancels all output, clears the queue and resets the cursor. The
// speech engine is always cancelled, even when no utterance is queued.
func (s *Sequencer) Stop() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	released := s.takeHooksLocked()
	cur := s.currentLocked()
	s.haltLocked()
	s.generation++
	s.state = Idle
	s.queue = nil
	s.cursor = 0
	s.lastErr = nil
	s.lastSpeaker = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.engine != nil {
		s.engine.Cancel()
	}
	s.log.Debug("playback: stopped")
	fireHooks(released, cur, false)
	s.dispatch(snap)
}

// Append adds items to the tail of the queue without touching the current
// item or the order of existing items. It never starts playback; when the
// sequencer is Idle the new items wait at the cursor for [Sequencer.Continue].
// It returns the new queue length.
func (s *Sequencer) Append(items []types.PlayableItem) int {
	if len(items) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.queue)
	}

	n, _ := s.appendItems(nil, items)
	return n
}

// AppendIf is Append for a queue generation read earlier from
// [Sequencer.Generation]. When Start or Stop has replaced the queue since,
// nothing is appended and ok is false.
func (s *Sequencer) AppendIf(generation uint64, items []types.PlayableItem) (length int, ok bool) {
	return s.appendItems(&generation, items)
}

func (s *Sequencer) appendItems(generation *uint64, items []types.PlayableItem) (int, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if generation != nil && *generation != s.generation {
		n := len(s.queue)
		s.mu.Unlock()
		return n, false
	}
	if len(items) == 0 {
		n := len(s.queue)
		s.mu.Unlock()
		return n, true
	}
	s.queue = append(s.queue, items...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("playback: appended", "items", len(items), "length", snap.Length)
	s.dispatch(snap)
	return snap.Length, true
}

// Continue plays from the cursor when the sequencer is Idle and unplayed
// items remain, without replacing the queue. It reports whether playback
// started.
func (s *Sequencer) Continue() bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state != Idle || s.cursor >= len(s.queue) {
		s.mu.Unlock()
		return false
	}
	s.epoch++
	s.state = Playing
	s.lastErr = nil
	s.launchLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("playback: continuing", "cursor", snap.Cursor)
	s.dispatch(snap)
	return true
}

// Close stops playback and drops all listeners.
func (s *Sequencer) Close() {
	s.Stop()
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

// ---- Queries ----

// Snapshot returns the current state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current playback state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation identifies the current queue. It changes on every Start and
// Stop, and on nothing else.
func (s *Sequencer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Err returns the last playback failure, or nil.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Items returns a copy of the queue.
func (s *Sequencer) Items() []types.PlayableItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

// ---- Listeners ----

// OnItemComplete registers a one-shot hook fired at the next natural
// completion of an item. Pause, Stop, Start and playback failures release
// the hook early with Natural set to false.
//
// When the sequencer is not Playing, fn runs immediately on the calling
// goroutine with Natural false and the most recently completed item (Index
// -1 and an empty Speaker if nothing has played). The returned function
// cancels the hook if it has not fired yet.
func (s *Sequencer) OnItemComplete(fn func(ItemCompletion)) (cancel func()) {
	s.mu.Lock()
	if s.state != Playing {
		c := ItemCompletion{Index: -1}
		if s.lastSpeaker != "" {
			c = ItemCompletion{Index: s.cursor - 1, Speaker: s.lastSpeaker}
		}
		s.mu.Unlock()
		fn(c)
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.hooks = append(s.hooks, hook{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hooks = slices.DeleteFunc(s.hooks, func(h hook) bool { return h.id == id })
	}
}

// Subscribe registers fn for every state change. The returned function
// removes the subscription.
func (s *Sequencer) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

// ---- Internals ----

// launchLocked starts the item at the cursor under the current epoch.
func (s *Sequencer) launchLocked() {
	idx := s.cursor
	item := s.queue[idx]
	epoch := s.epoch

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, epoch, idx, item)
}

// haltLocked abandons the current item: bumps the epoch and cancels output
// and any pending gap timer.
func (s *Sequencer) haltLocked() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sequencer) cancelEngine() {
	if s.engine != nil {
		s.engine.Cancel()
	}
}

// run plays one item and reports its outcome.
func (s *Sequencer) run(ctx context.Context, epoch uint64, idx int, item types.PlayableItem) {
	ch, err := s.output(ctx, epoch, item)
	if errors.Is(err, errAbandoned) {
		return
	}
	if err != nil {
		s.fail(epoch, idx, item, err)
		return
	}

	for ev := range ch {
		switch ev.Kind {
		case types.EventStarted:
			s.log.Debug("playback: item started", "index", idx, "speaker", item.Speaker, "media", item.MediaKind())
		case types.EventEnded:
			s.advance(epoch, idx)
			return
		case types.EventFailed:
			s.fail(epoch, idx, item, ev.Err)
			return
		}
	}
	// Closed without a terminal event: cancelled.
}

// output hands item to the player or engine. An item abandoned before its
// turn came gets errAbandoned and never reaches either; the engine is
// exclusive, so a late Speak would cut off the live item.
func (s *Sequencer) output(ctx context.Context, epoch uint64, item types.PlayableItem) (ch <-chan types.PlaybackEvent, err error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.mu.Lock()
	stale := epoch != s.epoch || ctx.Err() != nil
	s.mu.Unlock()
	if stale {
		return nil, errAbandoned
	}

	switch m := item.Media.(type) {
	case types.EncodedAudio:
		if s.player == nil {
			err = errors.New("no audio player configured")
			break
		}
		ch, err = s.player.Play(ctx, m)
	case types.Utterance:
		if s.engine == nil {
			err = errors.New("no speech engine configured")
			break
		}
		ch, err = s.engine.Speak(ctx, m)
	default:
		err = ErrNoMedia
	}
	return ch, err
}

// stale reports whether a completion for (epoch, idx) is outdated.
func (s *Sequencer) staleLocked(epoch uint64, idx int) bool {
	return epoch != s.epoch || s.state != Playing || idx != s.cursor
}

// advance is the single completion step shared by both media paths.
func (s *Sequencer) advance(epoch uint64, idx int) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.staleLocked(epoch, idx) {
		s.mu.Unlock()
		return
	}
	done := s.queue[idx]
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.cursor++
	s.lastSpeaker = done.Speaker
	released := s.takeHooksLocked()

	if s.cursor >= len(s.queue) {
		s.state = Idle
	} else if wait := s.gapDuration(); wait > 0 {
		next := s.cursor
		s.timer = time.AfterFunc(wait, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.staleLocked(epoch, next) {
				return
			}
			s.timer = nil
			s.launchLocked()
		})
	} else {
		s.launchLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.record(done, "ended")
	if snap.Completed {
		s.log.Info("playback: queue completed", "items", snap.Length)
	}
	fireHooks(released, ItemCompletion{Index: idx, Speaker: done.Speaker}, true)
	s.dispatch(snap)
}

func (s *Sequencer) fail(epoch uint64, idx int, item types.PlayableItem, err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.staleLocked(epoch, idx) {
		s.mu.Unlock()
		return
	}
	released := s.takeHooksLocked()
	s.haltLocked()
	s.cancelEngine()
	s.state = Idle
	s.lastErr = &PlaybackError{Index: idx, Speaker: item.Speaker, Err: err}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.record(item, "failed")
	s.log.Warn("playback: item failed", "index", idx, "speaker", item.Speaker, "err", err)
	fireHooks(released, ItemCompletion{Index: idx, Speaker: item.Speaker}, false)
	s.dispatch(snap)
}

func (s *Sequencer) record(item types.PlayableItem, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPlaybackItem(context.Background(), item.MediaKind(), outcome)
	}
}

func (s *Sequencer) gapDuration() time.Duration {
	d := s.gap
	if s.jitter > 0 {
		d += rand.N(s.jitter)
	}
	return d
}

func (s *Sequencer) currentLocked() ItemCompletion {
	c := ItemCompletion{Index: s.cursor}
	if s.cursor < len(s.queue) {
		c.Speaker = s.queue[s.cursor].Speaker
	}
	return c
}

func (s *Sequencer) takeHooksLocked() []hook {
	h := s.hooks
	s.hooks = nil
	return h
}

func fireHooks(hooks []hook, c ItemCompletion, natural bool) {
	c.Natural = natural
	for _, h := range hooks {
		h.fn(c)
	}
}

func (s *Sequencer) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Cursor:      s.cursor,
		Length:      len(s.queue),
		LastSpeaker: s.lastSpeaker,
		Err:         s.lastErr,
	}
	if s.cursor < len(s.queue) {
		snap.Speaker = s.queue[s.cursor].Speaker
		snap.Text = s.queue[s.cursor].Text
	}
	snap.Completed = s.state == Idle && snap.Length > 0 && s.cursor >= snap.Length
	return snap
}

// dispatch delivers snap to subscribers. Callers hold notifyMu.
func (s *Sequencer) dispatch(snap Snapshot) {
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(snap)
	}
}
