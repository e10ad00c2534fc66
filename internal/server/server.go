// Package server exposes a duologue App over HTTP: a JSON API for topics,
// sessions and the voice provider, a WebSocket per session that drives
// playback in the browser, Prometheus metrics, and health probes.
//
// Every request passes through [observe.Middleware]. A signed cookie session
// (gin-contrib/sessions) remembers the discussion the browser last created.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/bridge"
	"github.com/MrWong99/duologue/internal/health"
	"github.com/MrWong99/duologue/internal/observe"
)

//go:embed web
var webFS embed.FS

const (
	cookieName    = "duologue"
	cookieSession = "session_id"
)

// Config holds the server's dependencies and settings.
type Config struct {
	// CORSOrigins lists origins allowed to call the API and open the
	// WebSocket from another host. Empty disables CORS.
	CORSOrigins []string

	// SessionSecret signs the cookie. A random secret is generated when
	// empty, so cookies do not survive a restart.
	SessionSecret string

	// Hub gives every new session its own browser bridge. Without a hub,
	// sessions use the App's default outputs and the WebSocket route is
	// unavailable.
	Hub *bridge.Hub

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler
}

// Server is the HTTP front end of an App.
type Server struct {
	app      *app.App
	cfg      Config
	handler  http.Handler
	upgrader websocket.Upgrader
}

// New builds the routes for a.
func New(a *app.App, cfg Config) *Server {
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	secret := cfg.SessionSecret
	if secret == "" {
		slog.Warn("server: no session secret configured, cookies will not survive a restart")
		secret = uuid.NewString() + uuid.NewString()
	}

	s := &Server{app: a, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = cfg.CORSOrigins
		cc.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
		cc.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
		cc.ExposeHeaders = []string{"X-Correlation-ID"}
		cc.AllowCredentials = true
		r.Use(cors.New(cc))
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode, MaxAge: 7 * 24 * 3600})
	r.Use(sessions.Sessions(cookieName, store))

	s.routes(r)
	s.handler = observe.Middleware(a.Metrics(),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))(r)
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) { c.FileFromFS("web/", http.FS(webFS)) })
	r.GET("/metrics", gin.WrapH(s.cfg.MetricsHandler))
	if s.cfg.Health != nil {
		s.cfg.Health.Register(r)
	}

	api := r.Group("/api")
	api.GET("/topics", s.handleTopics)

	api.GET("/session", s.handleCurrentSession)
	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions", s.handleCreateSession)

	sess := api.Group("/sessions/:id", s.loadSession)
	sess.GET("", s.handleGetSession)
	sess.DELETE("", s.handleCloseSession)
	sess.POST("/generate", s.handleGenerate)
	sess.POST("/pause", s.handlePause)
	sess.POST("/resume", s.handleResume)
	sess.POST("/stop", s.handleStop)
	sess.POST("/preview", s.handlePreview)
	sess.POST("/comments", s.handleComment)
	sess.GET("/summary", s.handleSummary)
	sess.GET("/debug", s.handleDebug)
	sess.GET("/ws", s.handleWebSocket)

	api.GET("/provider", s.handleGetProvider)
	api.PUT("/provider", s.handleSetProvider)
	api.POST("/provider/probe", s.handleProbe)
	api.GET("/provider/voices", s.handleVoices)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}

// checkOrigin accepts same-host pages and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.cfg.CORSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
