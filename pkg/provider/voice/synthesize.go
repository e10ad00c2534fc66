package voice

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duologue/pkg/dialogue"
	"github.com/MrWong99/duologue/pkg/types"
)

type synthesisConfig struct {
	parallelism int
}

// SynthesisOption configures [Synthesize] and [GenerateDiscussion].
type SynthesisOption func(*synthesisConfig)

// WithParallelism allows up to n turns to be synthesized at the same time.
// Results are still returned in turn order. Values below 1 mean sequential.
func WithParallelism(n int) SynthesisOption {
	return func(c *synthesisConfig) {
		if n < 1 {
			n = 1
		}
		c.parallelism = n
	}
}

// GenerateDiscussion parses rawText and synthesizes every turn with gen. It is
// the shared implementation of [Provider.GenerateDiscussionAudio].
func GenerateDiscussion(ctx context.Context, gen SpeechGenerator, rawText string, opts ...SynthesisOption) ([]types.PlayableItem, error) {
	return Synthesize(ctx, gen, dialogue.Parse(rawText), opts...)
}

// Synthesize converts segments into playable items using gen.
//
// The result has exactly one item per segment, in segment order. If any
// segment fails, Synthesize returns a *[SynthesisError] for the first failure
// and discards everything else.
func Synthesize(ctx context.Context, gen SpeechGenerator, segments []types.DialogueSegment, opts ...SynthesisOption) ([]types.PlayableItem, error) {
	cfg := synthesisConfig{parallelism: 1}
	for _, o := range opts {
		o(&cfg)
	}

	items := make([]types.PlayableItem, len(segments))
	if len(segments) == 0 {
		return items, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)

	for i, seg := range segments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			media, err := gen.GenerateSpeech(gctx, seg.Text, seg.Speaker)
			if err != nil {
				return &SynthesisError{
					Index:   i,
					Speaker: seg.Speaker,
					Text:    TruncateForLog(seg.Text),
					Err:     err,
				}
			}
			items[i] = types.PlayableItem{Speaker: seg.Speaker, Text: seg.Text, Media: media}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}
