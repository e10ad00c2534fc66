package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/pkg/speech/command"
)

func (c *cli) topicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Ask the LLM for discussion topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := c.newApp(ctx, command.New(), app.WithProbeInterval(0))
			if err != nil {
				return err
			}
			topics, err := a.Generator().SuggestTopics(ctx)
			if err == nil {
				w := cmd.OutOrStdout()
				for i, t := range topics {
					fmt.Fprintf(w, "%2d. %s\n", i+1, t.Title)
					if t.Description != "" {
						fmt.Fprintf(w, "    %s\n", t.Description)
					}
				}
			}
			return errors.Join(err, c.shutdownApp(a))
		},
	}
}
