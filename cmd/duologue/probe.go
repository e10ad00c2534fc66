package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/duologue/internal/app"
	"github.com/MrWong99/duologue/internal/selector"
	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/speech/command"
)

func (c *cli) probeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which voice providers are available",
		Long: `Probe asks every configured voice backend whether it can synthesize
right now and prints which one the fallback policy would pick. The local
backend lists the voices of espeak-ng or say.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := c.newApp(ctx, command.New(), app.WithProbeInterval(0))
			if err != nil {
				return err
			}
			return errors.Join(printProbe(ctx, cmd.OutOrStdout(), a.Selector(), asJSON), c.shutdownApp(a))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

type probeReport struct {
	Selected voice.ID               `json:"selected"`
	Results  []selector.Availability `json:"results"`
}

func printProbe(ctx context.Context, w io.Writer, sel *selector.Selector, asJSON bool) error {
	id, results := sel.ProbeAndSelect(ctx)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(probeReport{Selected: id, Results: results})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tNAME\tAVAILABLE\t")
	for _, r := range results {
		mark := ""
		if r.Provider == id {
			mark = " (selected)"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%t\t\n", r.Provider, mark, r.Name, r.Available)
	}
	return tw.Flush()
}
