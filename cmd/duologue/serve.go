package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/bridge"
	"github.com/MrWong99/duologue/internal/config"
	"github.com/MrWong99/duologue/internal/health"
	"github.com/MrWong99/duologue/internal/observe"
	"github.com/MrWong99/duologue/internal/server"
	"github.com/MrWong99/duologue/pkg/speech"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI, the JSON API and /metrics",
		Long: `Serve starts the HTTP server. With voice.player "browser" (the default)
each session plays in the page that created it; with "speaker" every session
plays on this machine.

The config file is watched: log level, the default voice provider and the
playback and comment settings for new sessions are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.Server.ListenAddr
			}
			return c.serve(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.listen_addr)")
	return cmd
}

func (c *cli) serve(parent context.Context, out io.Writer, addr string) (err error) {
	ctx, stop := signalContext(parent)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    c.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, tel.Shutdown(tctx))
	}()

	var (
		hub    *bridge.Hub
		engine speech.Engine
		opts   = []app.Option{app.WithMetrics(tel.Metrics)}
	)
	if c.cfg.Voice.Player == config.PlayerSpeaker {
		outputs := speakerOutputs(c.cfg)
		engine = outputs.Engine
		opts = append(opts, app.WithOutputs(app.Outputs{Player: outputs.Player, Engine: outputs.Engine}), app.WithCloser(outputs.Close))
	} else {
		hub = bridge.NewHub()
		engine = hub
	}

	a, err := c.newApp(ctx, engine, opts...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, c.shutdownApp(a)) }()

	srv := server.New(a, server.Config{
		CORSOrigins:    c.cfg.Server.CORSOrigins,
		SessionSecret:  c.cfg.Server.SessionSecret,
		Hub:            hub,
		Health:         health.New(health.FromReadiness("voice", a.Selector())),
		MetricsHandler: tel.Handler,
	})

	if c.configPath != "" {
		w, werr := config.NewWatcher(c.configPath, func(_, next *config.Config) {
			d := a.ApplyConfig(next)
			if d.LogLevelChanged {
				c.level.Set(slogLevel(d.NewLogLevel))
				slog.Info("config reload: log level changed", "level", d.NewLogLevel)
			}
		})
		if werr != nil {
			slog.Warn("config watcher disabled", "path", c.configPath, "err", werr)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(out, c.cfg, addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.Run(gctx)) })
	g.Go(func() error { return srv.ListenAndServe(gctx, addr, c.cfg.Server.ShutdownTimeout) })
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, addr string) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        duologue: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", withModel(cfg.LLM.Name, cfg.LLM.Model))
	if n := len(cfg.LLM.Fallbacks); n > 0 {
		printRow(w, "LLM fallbacks", fmt.Sprint(n))
	}
	printRow(w, "Voice default", cfg.Voice.Default)
	printRow(w, "Voice order", fmt.Sprint(len(cfg.Voice.Order))+" backends")
	printRow(w, "Player", cfg.Voice.Player)
	if cfg.Server.MaxSessions > 0 {
		printRow(w, "Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
	}
	printRow(w, "Listen addr", addr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func withModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(w io.Writer, key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", key, value)
}
