// Package bridge forwards discussion playback to a browser page over a
// WebSocket.
//
// A [Bridge] implements both [audio.Player] and [speech.Engine]: every Play or
// Speak becomes a JSON command for the page, and the page reports progress
// back as events that carry the command's request id. The page may connect
// after the bridge was created and may reconnect at any time; the newest
// connection always takes over.
//
// Commands, server to page:
//
//	{"op":"play","id":"…","mime":"audio/mpeg","data":"<base64>"}
//	{"op":"speak","id":"…","utterance":{"text":"…","voice":"…","rate":1,"pitch":1,"volume":1}}
//	{"op":"cancel","id":"…"}
//	{"op":"voices","id":"…"}
//	{"op":"status","status":{…}}
//
// Events, page to server:
//
//	{"event":"started","id":"…"}
//	{"event":"ended","id":"…"}
//	{"event":"error","id":"…","error":"…"}
//	{"event":"voices","id":"…","voices":[{"name":"…","language":"…","gender":"…"}]}
//
// A voices event without an id is an unsolicited catalog update, sent by the
// page once its speech synthesis voices have loaded.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

var (
	// ErrNotConnected is returned when no page is attached.
	ErrNotConnected = errors.New("bridge: no browser connected")

	// ErrDisconnected fails requests whose page went away before finishing.
	ErrDisconnected = errors.New("bridge: browser disconnected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bridge: closed")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

// Command ops.
const (
	OpPlay   = "play"
	OpSpeak  = "speak"
	OpCancel = "cancel"
	OpVoices = "voices"
	OpStatus = "status"
)

// Event names.
const (
	EventStarted = "started"
	EventEnded   = "ended"
	EventError   = "error"
	EventVoices  = "voices"
)

// Command is a message for the page.
type Command struct {
	Op        string           `json:"op"`
	ID        string           `json:"id,omitempty"`
	MIMEType  string           `json:"mime,omitempty"`
	Data      []byte           `json:"data,omitempty"`
	Utterance *types.Utterance `json:"utterance,omitempty"`
	Status    any              `json:"status,omitempty"`
}

// Event is a message from the page.
type Event struct {
	Event  string         `json:"event"`
	ID     string         `json:"id,omitempty"`
	Error  string         `json:"error,omitempty"`
	Voices []speech.Voice `json:"voices,omitempty"`
}

// PageError is a failure reported by the page for a play or speak command.
type PageError struct {
	Op      string
	Message string
}

func (e *PageError) Error() string {
	return fmt.Sprintf("bridge: %s failed in browser: %s", e.Op, e.Message)
}

type request struct {
	op   string
	conn *websocket.Conn
	sink *audio.EventSink
	done chan struct{}
}

type voiceWaiter struct {
	conn *websocket.Conn
	ch   chan []speech.Voice
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithOnAttach registers fn to run every time a page connects, after the
// connection is ready for commands.
func WithOnAttach(fn func(*Bridge)) Option {
	return func(b *Bridge) { b.onAttach = fn }
}

// WithPingPeriod sets the keepalive interval. Default: 54s.
func WithPingPeriod(d time.Duration) Option {
	return func(b *Bridge) { b.pingPeriod = d }
}

// Bridge drives one browser page. It is safe for concurrent use.
type Bridge struct {
	log        *slog.Logger
	onAttach   func(*Bridge)
	pingPeriod time.Duration
	hub        *Hub

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*request
	current string
	waiters map[string]voiceWaiter
	voices  []speech.Voice
	closed  bool

	// gorilla/websocket allows one concurrent writer per connection.
	writeMu sync.Mutex
}

var (
	_ audio.Player  = (*Bridge)(nil)
	_ speech.Engine = (*Bridge)(nil)
)

// New creates a Bridge with no page attached.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		log:        slog.Default(),
		pingPeriod: pongWait * 9 / 10,
		pending:    make(map[string]*request),
		waiters:    make(map[string]voiceWaiter),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Connected reports whether a page is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ── Player / Engine ─────────────────────────────────────────────────────────

// Play implements audio.Player.
func (b *Bridge) Play(ctx context.Context, a types.EncodedAudio) (<-chan types.PlaybackEvent, error) {
	return b.start(ctx, Command{Op: OpPlay, MIMEType: a.MIMEType, Data: a.Data})
}

// Speak implements speech.Engine.
func (b *Bridge) Speak(ctx context.Context, u types.Utterance) (<-chan types.PlaybackEvent, error) {
	return b.start(ctx, Command{Op: OpSpeak, Utterance: &u})
}

// Cancel implements speech.Engine. It cancels whatever the page is playing.
func (b *Bridge) Cancel() {
	b.mu.Lock()
	id := b.current
	b.mu.Unlock()
	if id != "" {
		b.cancel(id)
	}
}

// Voices implements speech.Engine. It asks the page for its installed
// voices. Without a page the last known list is returned; ErrNotConnected is
// returned only if no list was ever received.
func (b *Bridge) Voices(ctx context.Context) ([]speech.Voice, error) {
	b.mu.Lock()
	conn := b.conn
	cached := slices.Clone(b.voices)
	if conn == nil || b.closed {
		b.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, ErrNotConnected
	}
	id := uuid.NewString()
	w := voiceWaiter{conn: conn, ch: make(chan []speech.Voice, 1)}
	b.waiters[id] = w
	b.mu.Unlock()

	drop := func() {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
	}
	if err := b.send(conn, Command{Op: OpVoices, ID: id}); err != nil {
		drop()
		return nil, fmt.Errorf("bridge: request voices: %w", err)
	}
	select {
	case v, ok := <-w.ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return v, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// PushStatus sends an informational status payload to the page. It is a
// no-op without a page.
func (b *Bridge) PushStatus(status any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return b.send(conn, Command{Op: OpStatus, Status: status})
}

func (b *Bridge) start(ctx context.Context, cmd Command) (<-chan types.PlaybackEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	prev := b.current
	cmd.ID = uuid.NewString()
	req := &request{op: cmd.Op, conn: conn, sink: audio.NewEventSink(), done: make(chan struct{})}
	b.pending[cmd.ID] = req
	b.current = cmd.ID
	b.mu.Unlock()

	// The page is an exclusive output.
	if prev != "" {
		b.cancel(prev)
	}
	if err := b.send(conn, cmd); err != nil {
		b.remove(cmd.ID)
		return nil, fmt.Errorf("bridge: send %s: %w", cmd.Op, err)
	}
	go func() {
		select {
		case <-ctx.Done():
			b.cancel(cmd.ID)
		case <-req.done:
		}
	}()
	return req.sink.C(), nil
}

// remove forgets the request with id and returns it, or nil if it already
// finished.
func (b *Bridge) remove(id string) *request {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	if b.current == id {
		b.current = ""
	}
	close(req.done)
	return req
}

func (b *Bridge) cancel(id string) {
	req := b.remove(id)
	if req == nil {
		return
	}
	req.sink.Cancel()
	if err := b.send(req.conn, Command{Op: OpCancel, ID: id}); err != nil {
		b.log.Debug("bridge: cancel not delivered", "id", id, "err", err)
	}
}

func (b *Bridge) send(conn *websocket.Conn, cmd Command) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(cmd)
}

// ── Connection ──────────────────────────────────────────────────────────────

// Serve attaches conn and dispatches the page's events until the page
// disconnects, ctx ends, or a newer connection takes over. The connection is
// closed on return. A normal close by the page returns nil.
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn) error {
	if err := b.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	defer b.detach(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go b.keepAlive(ctx, conn)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				b.log.Info("bridge: browser disconnected")
				return nil
			case b.replaced(conn):
				return nil
			}
			return fmt.Errorf("bridge: read: %w", err)
		}
		b.handle(ev)
	}
}

func (b *Bridge) keepAlive(ctx context.Context, conn *websocket.Conn) {
	if b.pingPeriod <= 0 {
		return
	}
	t := time.NewTicker(b.pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				b.log.Debug("bridge: ping failed", "err", err)
				return
			}
		}
	}
}

func (b *Bridge) handle(ev Event) {
	switch ev.Event {
	case EventStarted:
		b.mu.Lock()
		req := b.pending[ev.ID]
		b.mu.Unlock()
		if req != nil {
			req.sink.Started()
		}
	case EventEnded:
		if req := b.remove(ev.ID); req != nil {
			req.sink.Ended()
		}
	case EventError:
		if req := b.remove(ev.ID); req != nil {
			b.log.Warn("bridge: browser reported failure", "op", req.op, "err", ev.Error)
			req.sink.Failed(&PageError{Op: req.op, Message: ev.Error})
		}
	case EventVoices:
		voices := ev.Voices
		if voices == nil {
			voices = []speech.Voice{}
		}
		b.mu.Lock()
		b.voices = voices
		w, ok := b.waiters[ev.ID]
		delete(b.waiters, ev.ID)
		b.mu.Unlock()
		if b.hub != nil {
			b.hub.setVoices(voices)
		}
		if ok {
			w.ch <- slices.Clone(voices)
		}
	default:
		b.log.Debug("bridge: unknown event", "event", ev.Event, "id", ev.ID)
	}
}

func (b *Bridge) attach(conn *websocket.Conn) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.conn
	b.conn = conn
	var reqs []*request
	var waiters []voiceWaiter
	if old != nil {
		reqs, waiters = b.takeLocked(old)
	}
	b.mu.Unlock()

	if old != nil {
		b.log.Info("bridge: newer browser connection takes over")
		_ = old.Close()
	}
	fail(reqs, waiters)
	b.log.Info("bridge: browser connected", "remote", conn.RemoteAddr().String())
	if b.hub != nil {
		b.hub.attached(b)
	}
	if b.onAttach != nil {
		b.onAttach(b)
	}
	return nil
}

func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	reqs, waiters := b.takeLocked(conn)
	b.mu.Unlock()
	fail(reqs, waiters)
	_ = conn.Close()
}

func (b *Bridge) replaced(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != conn
}

// takeLocked removes every request and voice waiter bound to conn, or all of
// them when conn is nil.
func (b *Bridge) takeLocked(conn *websocket.Conn) ([]*request, []voiceWaiter) {
	var reqs []*request
	for id, req := range b.pending {
		if conn == nil || req.conn == conn {
			delete(b.pending, id)
			if b.current == id {
				b.current = ""
			}
			close(req.done)
			reqs = append(reqs, req)
		}
	}
	var waiters []voiceWaiter
	for id, w := range b.waiters {
		if conn == nil || w.conn == conn {
			delete(b.waiters, id)
			waiters = append(waiters, w)
		}
	}
	return reqs, waiters
}

func fail(reqs []*request, waiters []voiceWaiter) {
	for _, req := range reqs {
		req.sink.Failed(ErrDisconnected)
	}
	for _, w := range waiters {
		close(w.ch)
	}
}

// Close disconnects the page and fails anything still in flight. It is
// idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	reqs, waiters := b.takeLocked(nil)
	b.mu.Unlock()

	fail(reqs, waiters)
	if b.hub != nil {
		b.hub.remove(b)
	}
	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
		time.Now().Add(writeWait))
	b.writeMu.Unlock()
	return conn.Close()
}
