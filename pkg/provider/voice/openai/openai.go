// Package openai provides a voice provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

const (
	defaultModel  = "tts-1"
	defaultAlex   = "onyx"
	defaultJordan = "nova"
)

// Provider implements voice.Provider using the OpenAI speech endpoint.
type Provider struct {
	client      oai.Client
	model       string
	voices      map[types.Speaker]string
	speed       float64
	parallelism int
}

var _ voice.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	model        string
	voices       map[types.Speaker]string
	speed        float64
	parallelism  int
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithModel sets the speech model (e.g. "tts-1-hd").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithVoice sets the OpenAI voice name used for speaker.
func WithVoice(speaker types.Speaker, name string) Option {
	return func(c *config) {
		c.voices[speaker] = name
	}
}

// WithSpeed sets the playback speed multiplier (0.25 to 4.0). Zero keeps the
// API default.
func WithSpeed(speed float64) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// WithMaxRetries sets how many times the SDK retries a failed request. The
// SDK default is 2; negative values keep it.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithParallelism sets how many lines GenerateDiscussionAudio synthesizes at
// once.
func WithParallelism(n int) Option {
	return func(c *config) {
		c.parallelism = n
	}
}

// New constructs a new OpenAI voice Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:      defaultModel,
		maxRetries: -1,
		voices: map[types.Speaker]string{
			types.SpeakerAlex:   defaultAlex,
			types.SpeakerJordan: defaultJordan,
		},
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4) {
		return nil, fmt.Errorf("openai: speed %.2f out of range [0.25, 4]", cfg.speed)
	}
	for _, s := range types.Speakers {
		if cfg.voices[s] == "" {
			return nil, fmt.Errorf("openai: no voice configured for %s", s)
		}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:      oai.NewClient(reqOpts...),
		model:       cfg.model,
		voices:      cfg.voices,
		speed:       cfg.speed,
		parallelism: cfg.parallelism,
	}, nil
}

// Name implements voice.Provider.
func (p *Provider) Name() string {
	return fmt.Sprintf("OpenAI TTS (%s / %s)", p.voices[types.SpeakerAlex], p.voices[types.SpeakerJordan])
}

// GenerateSpeech implements voice.Provider.
func (p *Provider) GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error) {
	v, ok := p.voices[speaker]
	if !ok {
		return nil, voice.NewProviderError(voice.IDOpenAI, speaker, text, 0, fmt.Errorf("no voice for speaker %q", speaker))
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(v),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if p.speed != 0 {
		params.Speed = param.NewOpt(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, voice.NewProviderError(voice.IDOpenAI, speaker, text, statusOf(err), err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.NewProviderError(voice.IDOpenAI, speaker, text, 0, fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, voice.NewProviderError(voice.IDOpenAI, speaker, text, 0, errors.New("empty audio response"))
	}
	return types.EncodedAudio{Data: audio, MIMEType: "audio/mpeg"}, nil
}

// GenerateDiscussionAudio implements voice.Provider.
func (p *Provider) GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error) {
	return voice.GenerateDiscussion(ctx, p, rawText, voice.WithParallelism(p.parallelism))
}

// TestConnection implements voice.Provider by listing the account's models.
func (p *Provider) TestConnection(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx)
	return err == nil
}

// statusOf extracts the HTTP status from an SDK error, or 0 for transport
// failures.
func statusOf(err error) int {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
