package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/bridge"
	"github.com/MrWong99/duologue/internal/comments"
	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/resilience"
	"github.com/MrWong99/duologue/internal/selector"
	"github.com/MrWong99/duologue/internal/textgen"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

const ctxSession = "duologue.session"

type createSessionRequest struct {
	Topic       string `json:"topic"`
	Description string `json:"description"`
}

type commentRequest struct {
	Text   string `json:"text"`
	Author string `json:"author"`
}

type previewRequest struct {
	Speaker types.Speaker `json:"speaker"`
	Text    string        `json:"text"`
}

type voicesResponse struct {
	Provider voice.ID      `json:"provider"`
	Voices   []voice.Voice `json:"voices"`
}

type setProviderRequest struct {
	Provider voice.ID `json:"provider"`
}

type providerResponse struct {
	Current     voice.ID                    `json:"current"`
	Name        string                      `json:"name"`
	Order       []voice.ID                  `json:"order"`
	Probe       []selector.Availability     `json:"probe,omitempty"`
	ProbedAt    *time.Time                  `json:"probedAt,omitempty"`
	LLMBreakers map[string]resilience.State `json:"llmBreakers,omitempty"`
}

// ── Topics ──────────────────────────────────────────────────────────────────

func (s *Server) handleTopics(c *gin.Context) {
	topics, err := s.app.Generator().SuggestTopics(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

// ── Sessions ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	create := app.CreateRequest{Topic: req.Topic, Description: req.Description}
	var created atomic.Pointer[app.Session]
	if s.cfg.Hub != nil {
		br := s.cfg.Hub.NewBridge(bridge.WithOnAttach(func(b *bridge.Bridge) {
			if sess := created.Load(); sess != nil {
				_ = b.PushStatus(sess.Status())
			}
		}))
		create.Outputs = &app.Outputs{Player: br, Engine: br, Close: br.Close}
		defer func() {
			if created.Load() == nil {
				_ = br.Close()
			}
		}()
	}

	sess, err := s.app.Sessions().Create(c.Request.Context(), create)
	if err != nil {
		abort(c, err)
		return
	}
	created.Store(sess)
	if br, ok := sess.Player().(*bridge.Bridge); ok {
		sess.Subscribe(func(st app.SessionStatus) {
			if err := br.PushStatus(st); err != nil {
				slog.Debug("server: status push failed", "session_id", st.ID, "err", err)
			}
		})
	}

	cs := sessions.Default(c)
	cs.Set(cookieSession, sess.ID().String())
	if err := cs.Save(); err != nil {
		slog.Warn("server: cannot save cookie session", "err", err)
	}
	c.JSON(http.StatusCreated, sess.Status())
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.app.Sessions().List()})
}

// handleCurrentSession returns the session this browser created last.
func (s *Server) handleCurrentSession(c *gin.Context) {
	raw, _ := sessions.Default(c).Get(cookieSession).(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current session"})
		return
	}
	sess, err := s.app.Sessions().Get(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// loadSession resolves :id for the session routes.
func (s *Server) loadSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	sess, err := s.app.Sessions().Get(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.Set(ctxSession, sess)
	c.Next()
}

func session(c *gin.Context) *app.Session {
	return c.MustGet(ctxSession).(*app.Session)
}

func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, session(c).Status())
}

func (s *Server) handleCloseSession(c *gin.Context) {
	if err := s.app.Sessions().Close(session(c).ID()); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGenerate(c *gin.Context) {
	sess := session(c)
	if err := sess.Generate(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handlePause(c *gin.Context) {
	sess := session(c)
	sess.Pause()
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handleResume(c *gin.Context) {
	sess := session(c)
	sess.Resume()
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	sess := session(c)
	sess.Stop()
	c.JSON(http.StatusOK, sess.Status())
}

// handlePreview speaks a sample line in one host's voice. The body is
// optional.
func (s *Server) handlePreview(c *gin.Context) {
	var req previewRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	sess := session(c)
	if err := sess.Preview(c.Request.Context(), req.Speaker, req.Text); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess.Status())
}

func (s *Server) handleComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	q, err := session(c).SubmitComment(c.Request.Context(), req.Text, req.Author)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, q)
}

func (s *Server) handleSummary(c *gin.Context) {
	sum, err := session(c).Summary(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleDebug(c *gin.Context) {
	c.JSON(http.StatusOK, session(c).DebugInfo())
}

// handleWebSocket attaches the page to the session's bridge. A reconnecting
// page takes over from the previous one.
func (s *Server) handleWebSocket(c *gin.Context) {
	sess := session(c)
	br, ok := sess.Player().(*bridge.Bridge)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "session does not play in the browser"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Warn("server: websocket upgrade failed", "session_id", sess.ID(), "err", err)
		return
	}
	if err := br.Serve(c.Request.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("server: browser connection ended", "session_id", sess.ID(), "err", err)
	}
}

// ── Provider ────────────────────────────────────────────────────────────────

func (s *Server) providerState() providerResponse {
	sel := s.app.Selector()
	id, p := sel.Current()
	resp := providerResponse{
		Current:     id,
		Name:        p.Name(),
		Order:       sel.Order(),
		LLMBreakers: s.app.LLMBreakers(),
	}
	if results, at := sel.LastProbe(); !at.IsZero() {
		resp.Probe = results
		resp.ProbedAt = &at
	}
	return resp
}

func (s *Server) handleGetProvider(c *gin.Context) {
	c.JSON(http.StatusOK, s.providerState())
}

func (s *Server) handleSetProvider(c *gin.Context) {
	var req setProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Provider == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	if err := s.app.Selector().SetProvider(req.Provider); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.providerState())
}

func (s *Server) handleProbe(c *gin.Context) {
	s.app.Selector().ProbeAndSelect(c.Request.Context())
	c.JSON(http.StatusOK, s.providerState())
}

// handleVoices lists the voices of ?provider=, or of the active provider.
func (s *Server) handleVoices(c *gin.Context) {
	sel := s.app.Selector()
	id, p := sel.Current()
	if q := voice.ID(c.Query("provider")); q != "" {
		var ok bool
		if p, ok = sel.Provider(q); !ok {
			abort(c, fmt.Errorf("%w: %q", selector.ErrUnknownProvider, q))
			return
		}
		id = q
	}
	l, ok := p.(voice.Lister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("provider %s cannot list its voices", id)})
		return
	}
	voices, err := l.ListVoices(c.Request.Context())
	if err != nil {
		observe.Logger(c.Request.Context()).Warn("server: list voices failed", "provider", id, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, voicesResponse{Provider: id, Voices: voices})
}

// ── Errors ──────────────────────────────────────────────────────────────────

// abort writes err as a JSON error with the matching status code.
func abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(c.Request.Context()).Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrEmptyTopic),
		errors.Is(err, app.ErrInvalidSpeaker),
		errors.Is(err, comments.ErrEmptyComment),
		errors.Is(err, selector.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrBusy),
		errors.Is(err, app.ErrNoOutput):
		return http.StatusConflict
	case errors.Is(err, app.ErrTooManySessions),
		errors.Is(err, comments.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrSessionClosed),
		errors.Is(err, comments.ErrClosed):
		return http.StatusGone
	case errors.Is(err, app.ErrManagerClosed),
		errors.Is(err, textgen.ErrTransient),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, textgen.ErrFatal),
		errors.Is(err, app.ErrNoDialogue):
		return http.StatusBadGateway
	default:
		var se *voice.SynthesisError
		if errors.As(err, &se) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}
