// Command duologue runs two AI hosts discussing a topic out loud.
//
// Usage:
//
//	duologue serve  [--config duologue.yaml] [--addr :8080]
//	duologue run    --topic "Quantum computing" [--provider local]
//	duologue probe  [--json]
//	duologue topics
//
// Configuration is read from a YAML or TOML file (chosen by extension) after
// loading KEY=VALUE pairs from the given dotenv files, so ${VAR} references
// in the file can be filled from .env.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand. It is filled by the
// root command's PersistentPreRunE.
type cli struct {
	configPath string
	envFiles   []string
	logLevel   string

	cfg   *config.Config
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}
	root := &cobra.Command{
		Use:               "duologue",
		Short:             "Two AI hosts discuss any topic out loud",
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "path to a YAML or TOML config file (default: built-in defaults)")
	flags.StringSliceVar(&c.envFiles, "env-file", nil, "dotenv files to load before the config (default: ./.env when present)")
	flags.StringVar(&c.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(c.serveCmd(), c.runCmd(), c.probeCmd(), c.topicsCmd())
	return root
}

// load reads the environment and config and installs the default logger.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnv(c.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		lvl := config.LogLevel(c.logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q; valid values: debug, info, warn, error", c.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	c.cfg = cfg
	c.level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), c.level))
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// shutdownApp closes a within the configured shutdown timeout.
func (c *cli) shutdownApp(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ignoreCanceled maps a clean context shutdown to nil.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
