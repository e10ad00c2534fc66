// Package comments integrates listener comments into a running discussion.
//
// A [Flow] keeps a FIFO of submitted comments and a single worker that
// handles one at a time. For each comment the worker waits until the item
// currently playing finishes naturally, asks the text generator for an
// acknowledgment from the host who just spoke plus a short continuation,
// synthesizes it with the active voice provider, and appends the result to
// the playback queue. The new turns are only appended once every one of them
// has been synthesized.
package comments

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

	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/playback"
	"github.com/MrWong99/duologue/internal/textgen"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

// DefaultAuthor names comments submitted without an author.
const DefaultAuthor = "Listener"

var (
	// ErrEmptyComment is returned by Submit for blank text.
	ErrEmptyComment = errors.New("comments: comment text is empty")

	// ErrQueueFull is returned by Submit when too many comments are waiting.
	ErrQueueFull = errors.New("comments: queue is full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("comments: flow is closed")

	// ErrNoDialogue is reported when an acknowledgment parses to nothing.
	ErrNoDialogue = errors.New("comments: acknowledgment produced no dialogue")

	// ErrDiscarded is reported when the discussion was stopped or restarted
	// while a comment was being integrated.
	ErrDiscarded = errors.New("comments: discussion changed before the reply was ready")
)

// Sequencer is the part of the playback sequencer the flow drives.
type Sequencer interface {
	State() playback.State
	Snapshot() playback.Snapshot
	Items() []types.PlayableItem
	OnItemComplete(fn func(playback.ItemCompletion)) (cancel func())
	Generation() uint64
	AppendIf(generation uint64, items []types.PlayableItem) (length int, ok bool)
	Continue() bool
}

// Acknowledger writes the acknowledgment exchange for a comment.
type Acknowledger interface {
	Acknowledge(ctx context.Context, req textgen.AckRequest) (string, error)
}

// VoiceSource yields the voice provider to synthesize with. The provider
// selector satisfies it.
type VoiceSource interface {
	Current() (voice.ID, voice.Provider)
}

// QueuedComment is a comment waiting for, or undergoing, integration.
type QueuedComment struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	AuthorName  string    `json:"authorName"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Status is a snapshot of the flow.
type Status struct {
	Pending    int            `json:"pending"`
	Generating bool           `json:"generating"`
	Current    *QueuedComment `json:"current,omitempty"`
	Processed  int            `json:"processed"`
	Failed     int            `json:"failed"`
	LastError  string         `json:"lastError,omitempty"`
}

// Config holds the discussion context passed to the generator.
type Config struct {
	// SessionID tags the flow's spans and logs.
	SessionID   string
	Topic       string
	Description string
}

// Option configures a Flow.
type Option func(*Flow)

// WithMaxPending bounds the number of waiting comments. Default: 32.
func WithMaxPending(n int) Option {
	return func(f *Flow) {
		if n > 0 {
			f.maxPending = n
		}
	}
}

// WithRecentTurns sets how many played turns are sent to the generator as
// context. Default: 6.
func WithRecentTurns(n int) Option {
	return func(f *Flow) {
		if n >= 0 {
			f.recentTurns = n
		}
	}
}

// WithMetrics records comment metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Flow) { f.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) { f.log = l }
}

type subscriber struct {
	id int
	fn func(Status)
}

// Flow is safe for concurrent use.
type Flow struct {
	cfg         Config
	seq         Sequencer
	gen         Acknowledger
	voices      VoiceSource
	maxPending  int
	recentTurns int
	metrics     *observe.Metrics
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	queue      []QueuedComment
	current    *QueuedComment
	generating bool
	processed  int
	failed     int
	lastErr    error
	closed     bool
	subs       []subscriber
	nextSub    int
}

// New creates a Flow and starts its worker. Call Close to stop it.
func New(cfg Config, seq Sequencer, gen Acknowledger, voices VoiceSource, opts ...Option) *Flow {
	ctx, cancel := context.WithCancel(observe.WithSession(context.Background(), cfg.SessionID))
	f := &Flow{
		cfg:         cfg,
		seq:         seq,
		gen:         gen,
		voices:      voices,
		maxPending:  32,
		recentTurns: 6,
		log:         slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	go f.loop()
	return f
}

// Submit queues a comment. The author defaults to [DefaultAuthor].
func (f *Flow) Submit(ctx context.Context, text, author string) (QueuedComment, error) {
	if err := ctx.Err(); err != nil {
		return QueuedComment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return QueuedComment{}, ErrEmptyComment
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = DefaultAuthor
	}
	c := QueuedComment{
		ID:          uuid.New(),
		Text:        text,
		AuthorName:  author,
		SubmittedAt: time.Now(),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return QueuedComment{}, ErrClosed
	}
	if len(f.queue) >= f.maxPending {
		f.mu.Unlock()
		return QueuedComment{}, ErrQueueFull
	}
	f.queue = append(f.queue, c)
	st := f.statusLocked()
	f.mu.Unlock()

	f.pendingDelta(1)
	f.log.Info("comments: queued", "id", c.ID, "author", c.AuthorName, "pending", st.Pending)
	f.notify(st)
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return c, nil
}

// Status returns the current snapshot.
func (f *Flow) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked()
}

// Subscribe registers fn for status changes. The returned function removes
// the subscription.
func (f *Flow) Subscribe(fn func(Status)) (unsubscribe func()) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs = append(f.subs, subscriber{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.subs = slices.DeleteFunc(f.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// Close stops the worker, abandoning the comment in flight and any still
// queued. It blocks until the worker has exited.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.done
		return
	}
	f.closed = true
	dropped := len(f.queue)
	f.queue = nil
	f.mu.Unlock()

	f.pendingDelta(-dropped)
	f.cancel()
	<-f.done
}

// ---- worker ----

func (f *Flow) loop() {
	defer close(f.done)
	for {
		c, ok := f.next()
		if !ok {
			select {
			case <-f.ctx.Done():
				return
			case <-f.wake:
				continue
			}
		}
		err := f.process(f.ctx, c)
		if f.ctx.Err() != nil {
			return
		}
		f.finish(c, err)
	}
}

// next pops the oldest comment and marks it current.
func (f *Flow) next() (QueuedComment, bool) {
	f.mu.Lock()
	if len(f.queue) == 0 || f.closed {
		f.mu.Unlock()
		return QueuedComment{}, false
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	f.current = &c
	st := f.statusLocked()
	f.mu.Unlock()

	f.pendingDelta(-1)
	f.notify(st)
	return c, true
}

func (f *Flow) process(ctx context.Context, c QueuedComment) error {
	ctx, span := observe.StartSpan(ctx, observe.SpanCommentProcess)
	defer span.End()

	// The reply belongs to the queue that was playing when work began.
	gen := f.seq.Generation()
	speaker, err := f.waitForTurn(ctx)
	if err != nil {
		return err
	}
	if f.seq.Generation() != gen {
		return ErrDiscarded
	}

	f.setGenerating(true)
	defer f.setGenerating(false)

	text, err := f.gen.Acknowledge(ctx, textgen.AckRequest{
		Topic:       f.cfg.Topic,
		Description: f.cfg.Description,
		Comment:     c.Text,
		Author:      c.AuthorName,
		Speaker:     speaker,
		Recent:      f.recent(),
	})
	if err != nil {
		return fmt.Errorf("comments: acknowledge: %w", err)
	}

	id, provider := f.voices.Current()
	items, err := provider.GenerateDiscussionAudio(ctx, text)
	if err != nil {
		return fmt.Errorf("comments: synthesize with %s: %w", id, err)
	}
	if len(items) == 0 {
		return ErrNoDialogue
	}

	n, ok := f.seq.AppendIf(gen, items)
	if !ok {
		return ErrDiscarded
	}
	started := false
	if f.seq.State() != playback.Playing {
		started = f.seq.Continue()
	}
	observe.Enrich(ctx, f.log).Info("comments: integrated", "id", c.ID, "speaker", speaker,
		"items", len(items), "queue_length", n, "resumed", started)
	return nil
}

// waitForTurn blocks until the current item finishes and returns the host
// who should acknowledge: the one who just spoke, or Alex if nobody has.
func (f *Flow) waitForTurn(ctx context.Context) (types.Speaker, error) {
	ch := make(chan playback.ItemCompletion, 1)
	cancel := f.seq.OnItemComplete(func(c playback.ItemCompletion) {
		select {
		case ch <- c:
		default:
		}
	})
	defer cancel()

	select {
	case c := <-ch:
		if c.Speaker.Valid() {
			return c.Speaker, nil
		}
		if last := f.seq.Snapshot().LastSpeaker; last.Valid() {
			return last, nil
		}
		return types.SpeakerAlex, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// recent returns up to recentTurns already played items as dialogue.
func (f *Flow) recent() []types.DialogueSegment {
	if f.recentTurns == 0 {
		return nil
	}
	items := f.seq.Items()
	played := min(f.seq.Snapshot().Cursor, len(items))
	from := max(played-f.recentTurns, 0)
	out := make([]types.DialogueSegment, 0, played-from)
	for _, it := range items[from:played] {
		out = append(out, types.DialogueSegment{Speaker: it.Speaker, Text: it.Text})
	}
	return out
}

func (f *Flow) finish(c QueuedComment, err error) {
	f.mu.Lock()
	f.current = nil
	if err != nil {
		f.failed++
		f.lastErr = err
	} else {
		f.processed++
		f.lastErr = nil
	}
	st := f.statusLocked()
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.RecordComment(f.ctx, observe.StatusOf(err))
	}
	if err != nil {
		f.log.Warn("comments: dropping comment", "id", c.ID, "err", err)
	}
	f.notify(st)
}

func (f *Flow) setGenerating(on bool) {
	f.mu.Lock()
	f.generating = on
	st := f.statusLocked()
	f.mu.Unlock()
	f.notify(st)
}

func (f *Flow) pendingDelta(n int) {
	if f.metrics != nil && n != 0 {
		f.metrics.PendingComments.Add(context.Background(), int64(n))
	}
}

func (f *Flow) statusLocked() Status {
	st := Status{
		Pending:    len(f.queue),
		Generating: f.generating,
		Processed:  f.processed,
		Failed:     f.failed,
	}
	if f.current != nil {
		c := *f.current
		st.Current = &c
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	return st
}

func (f *Flow) notify(st Status) {
	f.mu.Lock()
	subs := slices.Clone(f.subs)
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(st)
	}
}
