package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/playback"
	"github.com/MrWong99/duologue/pkg/provider/voice"
)

type runOptions struct {
	topic       string
	description string
	provider    string
}

func (c *cli) runCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one discussion and play it on this machine",
		Long: `Run generates a discussion and plays it through the default audio
device, or through espeak-ng/say when the local voice backend is selected.

While it plays, every line typed on stdin is sent as a listener comment.
Prefix a line with "Name:" to sign it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			outputs := speakerOutputs(c.cfg)
			a, err := c.newApp(ctx, outputs.Engine,
				app.WithOutputs(app.Outputs{Player: outputs.Player, Engine: outputs.Engine}),
				app.WithCloser(outputs.Close),
				app.WithProbeInterval(0),
			)
			if err != nil {
				return err
			}
			err = runDiscussion(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a, o)
			return errors.Join(err, c.shutdownApp(a))
		},
	}
	cmd.Flags().StringVarP(&o.topic, "topic", "t", "", "discussion topic (required)")
	cmd.Flags().StringVarP(&o.description, "description", "d", "", "optional context for the hosts")
	cmd.Flags().StringVarP(&o.provider, "provider", "p", "", "voice provider to use instead of the probed one")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// runDiscussion probes the voice backends, generates one discussion and
// prints each line as it starts playing. Lines read from in become listener
// comments. It returns once the queue has played with no comment pending,
// when playback fails, or when ctx ends.
func runDiscussion(ctx context.Context, in io.Reader, w io.Writer, a *app.App, o runOptions) error {
	sel := a.Selector()
	sel.ProbeAndSelect(ctx)
	if o.provider != "" {
		if err := sel.SetProvider(voice.ID(o.provider)); err != nil {
			return err
		}
	}
	_, p := sel.Current()
	fmt.Fprintf(w, "Voices: %s\n", p.Name())

	sess, err := a.Sessions().Create(ctx, app.CreateRequest{Topic: o.topic, Description: o.description})
	if err != nil {
		return err
	}

	// mu guards w as well as the fields below; status callbacks and the
	// comment reader both print.
	var (
		mu      sync.Mutex
		printed = -1
		settled bool
	)
	done := make(chan error, 1)
	finish := func(err error) {
		if !settled {
			settled = true
			done <- err
		}
	}
	unsubscribe := sess.Subscribe(func(st app.SessionStatus) {
		mu.Lock()
		defer mu.Unlock()
		pb, cm := st.Playback, st.Comments
		commentsIdle := cm.Pending == 0 && !cm.Generating && cm.Current == nil
		switch {
		case pb.Completed && commentsIdle:
			finish(nil)
		case pb.State == playback.Playing && pb.Cursor != printed && pb.Text != "":
			printed = pb.Cursor
			fmt.Fprintf(w, "%s: %s\n", pb.Speaker.DisplayName(), pb.Text)
		case pb.State == playback.Idle && !pb.Completed && !st.Generating && st.LastError != "" && pb.Length > 0:
			finish(errors.New(st.LastError))
		}
	})
	defer unsubscribe()

	if err := sess.Generate(ctx); err != nil {
		return err
	}
	if in != nil {
		go readComments(ctx, in, func(text, author string) {
			_, err := sess.SubmitComment(ctx, text, author)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintf(w, "  (comment rejected: %v)\n", err)
				return
			}
			fmt.Fprintf(w, "  (comment queued)\n")
		})
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sess.Stop()
		return ignoreCanceled(ctx.Err())
	}
}

// readComments calls submit for every non-empty line of in until it ends or
// ctx is cancelled.
func readComments(ctx context.Context, in io.Reader, submit func(text, author string)) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		submit(splitAuthor(line))
	}
	if err := sc.Err(); err != nil {
		slog.Debug("run: stdin closed", "err", err)
	}
}

// splitAuthor reads "Name: text". A prefix longer than a short name or
// containing spaces is treated as part of the comment.
func splitAuthor(line string) (text, author string) {
	name, rest, ok := strings.Cut(line, ":")
	name, rest = strings.TrimSpace(name), strings.TrimSpace(rest)
	if !ok || name == "" || rest == "" || len(name) > 24 || strings.ContainsAny(name, " \t") {
		return line, ""
	}
	return rest, name
}
