package bridge_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/duologue/internal/bridge"
	"github.com/MrWong99/duologue/pkg/audio"
	"github.com/MrWong99/duologue/pkg/speech"
	"github.com/MrWong99/duologue/pkg/types"
)

// page is the test side of the socket, standing in for the browser.
type page struct {
	t    *testing.T
	conn *websocket.Conn
	cmds chan bridge.Command
}

func (p *page) next() bridge.Command {
	p.t.Helper()
	select {
	case c, ok := <-p.cmds:
		if !ok {
			p.t.Fatal("page connection closed")
		}
		return c
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for a command")
	}
	return bridge.Command{}
}

// nextOp skips commands until one with op arrives.
func (p *page) nextOp(op string) bridge.Command {
	p.t.Helper()
	for {
		if c := p.next(); c.Op == op {
			return c
		}
	}
}

func (p *page) send(ev bridge.Event) {
	p.t.Helper()
	if err := p.conn.WriteJSON(ev); err != nil {
		p.t.Fatalf("page write: %v", err)
	}
}

type harness struct {
	srv    *httptest.Server
	served chan error
}

// newHarness serves b over a test WebSocket endpoint.
func newHarness(t *testing.T, b *bridge.Bridge) *harness {
	t.Helper()
	h := &harness{served: make(chan error, 8)}
	up := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.served <- b.Serve(context.Background(), conn)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

// connect dials the harness and waits until the bridge has attached.
func (h *harness) connect(t *testing.T, b *bridge.Bridge) *page {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	p := &page{t: t, conn: conn, cmds: make(chan bridge.Command, 16)}
	go func() {
		defer close(p.cmds)
		for {
			var c bridge.Command
			if err := conn.ReadJSON(&c); err != nil {
				return
			}
			p.cmds <- c
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never attached")
		}
		time.Sleep(time.Millisecond)
	}
	return p
}

func TestBridge_NotConnected(t *testing.T) {
	t.Parallel()
	b := bridge.New()
	if _, err := b.Play(context.Background(), types.EncodedAudio{Data: []byte("x")}); !errors.Is(err, bridge.ErrNotConnected) {
		t.Errorf("Play: got %v, want ErrNotConnected", err)
	}
	if _, err := b.Speak(context.Background(), types.Utterance{Text: "hi"}); !errors.Is(err, bridge.ErrNotConnected) {
		t.Errorf("Speak: got %v, want ErrNotConnected", err)
	}
	if _, err := b.Voices(context.Background()); !errors.Is(err, bridge.ErrNotConnected) {
		t.Errorf("Voices: got %v, want ErrNotConnected", err)
	}
	if err := b.PushStatus(map[string]string{"a": "b"}); err != nil {
		t.Errorf("PushStatus without page: %v", err)
	}
}

func TestBridge_PlayLifecycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		reply   func(p *page, id string)
		wantOK  bool
		wantErr bool
	}{
		{
			name: "ended",
			reply: func(p *page, id string) {
				p.send(bridge.Event{Event: bridge.EventStarted, ID: id})
				p.send(bridge.Event{Event: bridge.EventEnded, ID: id})
			},
			wantOK: true,
		},
		{
			name: "error",
			reply: func(p *page, id string) {
				p.send(bridge.Event{Event: bridge.EventError, ID: id, Error: "decode failed"})
			},
			wantOK:  true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := bridge.New(bridge.WithPingPeriod(0))
			t.Cleanup(func() { _ = b.Close() })
			p := newHarness(t, b).connect(t, b)

			ch, err := b.Play(context.Background(), types.EncodedAudio{Data: []byte{1, 2, 3}, MIMEType: "audio/mpeg"})
			if err != nil {
				t.Fatalf("Play: %v", err)
			}
			cmd := p.nextOp(bridge.OpPlay)
			if cmd.ID == "" || cmd.MIMEType != "audio/mpeg" || string(cmd.Data) != "\x01\x02\x03" {
				t.Fatalf("play command: %+v", cmd)
			}
			tt.reply(p, cmd.ID)

			ev, ok := audio.Wait(ch)
			if ok != tt.wantOK {
				t.Fatalf("terminal: ok=%v", ok)
			}
			if tt.wantErr {
				var pe *bridge.PageError
				if ev.Kind != types.EventFailed || !errors.As(ev.Err, &pe) || pe.Message != "decode failed" {
					t.Errorf("event: got %+v", ev)
				}
			} else if ev.Kind != types.EventEnded {
				t.Errorf("event: got %v, want ended", ev.Kind)
			}
		})
	}
}

func TestBridge_SpeakTakesOver(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	t.Cleanup(func() { _ = b.Close() })
	p := newHarness(t, b).connect(t, b)

	first, err := b.Speak(context.Background(), types.Utterance{Text: "one", Voice: "Zira", Rate: 1})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	c1 := p.nextOp(bridge.OpSpeak)
	if c1.Utterance == nil || c1.Utterance.Text != "one" || c1.Utterance.Voice != "Zira" {
		t.Fatalf("speak command: %+v", c1)
	}

	second, err := b.Speak(context.Background(), types.Utterance{Text: "two"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if c := p.nextOp(bridge.OpCancel); c.ID != c1.ID {
		t.Errorf("cancel id: got %q, want %q", c.ID, c1.ID)
	}
	if _, ok := audio.Wait(first); ok {
		t.Error("first utterance should be cancelled without a terminal event")
	}

	c2 := p.nextOp(bridge.OpSpeak)
	// A late event for the cancelled utterance is ignored.
	p.send(bridge.Event{Event: bridge.EventEnded, ID: c1.ID})
	p.send(bridge.Event{Event: bridge.EventEnded, ID: c2.ID})
	if ev, ok := audio.Wait(second); !ok || ev.Kind != types.EventEnded {
		t.Errorf("second: got %+v ok=%v", ev, ok)
	}
}

func TestBridge_ContextCancel(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	t.Cleanup(func() { _ = b.Close() })
	p := newHarness(t, b).connect(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Play(ctx, types.EncodedAudio{Data: []byte("x")})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	play := p.nextOp(bridge.OpPlay)
	cancel()
	if c := p.nextOp(bridge.OpCancel); c.ID != play.ID {
		t.Errorf("cancel id: got %q", c.ID)
	}
	if _, ok := audio.Wait(ch); ok {
		t.Error("expected cancelled stream")
	}
}

func TestBridge_ExplicitCancel(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	t.Cleanup(func() { _ = b.Close() })
	p := newHarness(t, b).connect(t, b)

	ch, err := b.Speak(context.Background(), types.Utterance{Text: "x"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	p.nextOp(bridge.OpSpeak)
	b.Cancel()
	p.nextOp(bridge.OpCancel)
	if _, ok := audio.Wait(ch); ok {
		t.Error("expected cancelled stream")
	}
	// Nothing in flight.
	b.Cancel()
}

func TestBridge_Voices(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	h := newHarness(t, b)
	p := h.connect(t, b)

	want := []speech.Voice{{Name: "Microsoft David", Language: "en-US", Gender: "male"}, {Name: "Zira"}}
	go func() {
		c := p.nextOp(bridge.OpVoices)
		p.send(bridge.Event{Event: bridge.EventVoices, ID: c.ID, Voices: want})
	}()
	got, err := b.Voices(context.Background())
	if err != nil {
		t.Fatalf("Voices: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Microsoft David" || got[0].Gender != "male" {
		t.Errorf("voices: got %+v", got)
	}

	// After the page leaves the cached catalog is still served.
	_ = p.conn.Close()
	select {
	case <-h.served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the page closed")
	}
	got, err = b.Voices(context.Background())
	if err != nil || len(got) != 2 {
		t.Errorf("cached voices: got %v, %v", got, err)
	}
}

func TestBridge_VoicesContext(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	t.Cleanup(func() { _ = b.Close() })
	newHarness(t, b).connect(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Voices(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}

func TestBridge_DisconnectFailsInFlight(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	t.Cleanup(func() { _ = b.Close() })
	h := newHarness(t, b)
	p := h.connect(t, b)

	ch, err := b.Play(context.Background(), types.EncodedAudio{Data: []byte("x")})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.nextOp(bridge.OpPlay)
	_ = p.conn.Close()

	ev, ok := audio.Wait(ch)
	if !ok || ev.Kind != types.EventFailed || !errors.Is(ev.Err, bridge.ErrDisconnected) {
		t.Errorf("got %+v ok=%v, want ErrDisconnected failure", ev, ok)
	}
	<-h.served
	if b.Connected() {
		t.Error("bridge should be detached")
	}
}

func TestBridge_NewerConnectionTakesOver(t *testing.T) {
	t.Parallel()
	attached := make(chan struct{}, 4)
	b := bridge.New(bridge.WithPingPeriod(0), bridge.WithOnAttach(func(b *bridge.Bridge) {
		_ = b.PushStatus(map[string]string{"state": "idle"})
		attached <- struct{}{}
	}))
	t.Cleanup(func() { _ = b.Close() })
	h := newHarness(t, b)
	old := h.connect(t, b)
	<-attached
	old.nextOp(bridge.OpStatus)

	ch, err := b.Play(context.Background(), types.EncodedAudio{Data: []byte("x")})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	old.nextOp(bridge.OpPlay)

	fresh := h.connect(t, b)
	<-attached
	if c := fresh.nextOp(bridge.OpStatus); c.Status == nil {
		t.Error("status push should carry a payload")
	}
	if ev, ok := audio.Wait(ch); !ok || !errors.Is(ev.Err, bridge.ErrDisconnected) {
		t.Errorf("old request: got %+v ok=%v", ev, ok)
	}
	select {
	case err := <-h.served:
		if err != nil {
			t.Errorf("replaced Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("old Serve did not return")
	}

	if _, err := b.Speak(context.Background(), types.Utterance{Text: "hi"}); err != nil {
		t.Fatalf("Speak on new page: %v", err)
	}
	fresh.nextOp(bridge.OpSpeak)
}

func TestBridge_Close(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.WithPingPeriod(0))
	h := newHarness(t, b)
	p := h.connect(t, b)

	ch, err := b.Play(context.Background(), types.EncodedAudio{Data: []byte("x")})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	p.nextOp(bridge.OpPlay)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if ev, ok := audio.Wait(ch); !ok || !errors.Is(ev.Err, bridge.ErrDisconnected) {
		t.Errorf("in-flight: got %+v ok=%v", ev, ok)
	}
	if _, err := b.Play(context.Background(), types.EncodedAudio{}); !errors.Is(err, bridge.ErrClosed) {
		t.Errorf("Play after Close: got %v", err)
	}
	<-h.served
}
