// Package googletts provides a voice provider backed by Google Cloud
// Text-to-Speech.
//
// Each host is mapped to a named Google voice with its own gender, speaking
// rate and pitch. Audio is always returned as MP3.
package googletts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

const defaultLanguage = "en-US"

// Gender is the SSML gender requested for a voice.
type Gender string

const (
	GenderMale    Gender = "MALE"
	GenderFemale  Gender = "FEMALE"
	GenderNeutral Gender = "NEUTRAL"
)

func (g Gender) proto() texttospeechpb.SsmlVoiceGender {
	switch g {
	case GenderMale:
		return texttospeechpb.SsmlVoiceGender_MALE
	case GenderFemale:
		return texttospeechpb.SsmlVoiceGender_FEMALE
	case GenderNeutral:
		return texttospeechpb.SsmlVoiceGender_NEUTRAL
	default:
		return texttospeechpb.SsmlVoiceGender_SSML_VOICE_GENDER_UNSPECIFIED
	}
}

// HostVoice configures the Google voice for one host.
type HostVoice struct {
	Name         string
	LanguageCode string
	Gender       Gender
	SpeakingRate float64
	Pitch        float64
}

// DefaultVoices returns the stock assignment: a deeper, slightly slower male
// voice for Alex and a brighter female voice for Jordan.
func DefaultVoices() map[types.Speaker]HostVoice {
	return map[types.Speaker]HostVoice{
		types.SpeakerAlex: {
			Name:         "en-US-Standard-D",
			LanguageCode: defaultLanguage,
			Gender:       GenderMale,
			SpeakingRate: 0.9,
			Pitch:        -2,
		},
		types.SpeakerJordan: {
			Name:         "en-US-Standard-C",
			LanguageCode: defaultLanguage,
			Gender:       GenderFemale,
			SpeakingRate: 1.0,
			Pitch:        2,
		},
	}
}

// Client is the subset of *texttospeech.Client the provider uses.
type Client interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
	ListVoices(ctx context.Context, req *texttospeechpb.ListVoicesRequest, opts ...gax.CallOption) (*texttospeechpb.ListVoicesResponse, error)
	Close() error
}

var _ Client = (*texttospeech.Client)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithVoice overrides the voice used for speaker.
func WithVoice(speaker types.Speaker, v HostVoice) Option {
	return func(p *Provider) {
		if v.LanguageCode == "" {
			v.LanguageCode = defaultLanguage
		}
		p.voices[speaker] = v
	}
}

// WithParallelism sets how many lines GenerateDiscussionAudio synthesizes at
// once.
func WithParallelism(n int) Option {
	return func(p *Provider) {
		p.parallelism = n
	}
}

// Provider implements voice.Provider on top of Google Cloud Text-to-Speech.
type Provider struct {
	client      Client
	voices      map[types.Speaker]HostVoice
	parallelism int
}

var _ voice.Provider = (*Provider)(nil)

// New dials Google Cloud Text-to-Speech with apiKey. When apiKey is empty the
// client falls back to Application Default Credentials.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	var clientOpts []option.ClientOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	c, err := texttospeech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("googletts: new client: %w", err)
	}
	p, err := NewWithClient(c, opts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

// NewWithClient builds a Provider around an existing client.
func NewWithClient(c Client, opts ...Option) (*Provider, error) {
	if c == nil {
		return nil, errors.New("googletts: client must not be nil")
	}
	p := &Provider{client: c, voices: DefaultVoices()}
	for _, o := range opts {
		o(p)
	}
	for _, s := range types.Speakers {
		if p.voices[s].Name == "" {
			return nil, fmt.Errorf("googletts: no voice configured for %s", s)
		}
	}
	return p, nil
}

// Close releases the underlying client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Name implements voice.Provider.
func (p *Provider) Name() string {
	return fmt.Sprintf("Google Cloud TTS (%s / %s)",
		p.voices[types.SpeakerAlex].Name, p.voices[types.SpeakerJordan].Name)
}

// GenerateSpeech implements voice.Provider.
func (p *Provider) GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error) {
	v, ok := p.voices[speaker]
	if !ok {
		return nil, voice.NewProviderError(voice.IDGoogle, speaker, text, 0, fmt.Errorf("no voice for speaker %q", speaker))
	}

	resp, err := p.client.SynthesizeSpeech(ctx, buildRequest(text, v))
	if err != nil {
		return nil, voice.NewProviderError(voice.IDGoogle, speaker, text, statusOf(err), err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, voice.NewProviderError(voice.IDGoogle, speaker, text, 0, errors.New("empty audio response"))
	}
	return types.EncodedAudio{Data: resp.GetAudioContent(), MIMEType: "audio/mpeg"}, nil
}

func buildRequest(text string, v HostVoice) *texttospeechpb.SynthesizeSpeechRequest {
	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: v.LanguageCode,
			Name:         v.Name,
			SsmlGender:   v.Gender.proto(),
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			SpeakingRate:  v.SpeakingRate,
			Pitch:         v.Pitch,
		},
	}
}

// GenerateDiscussionAudio implements voice.Provider.
func (p *Provider) GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error) {
	return voice.GenerateDiscussion(ctx, p, rawText, voice.WithParallelism(p.parallelism))
}

// TestConnection implements voice.Provider by listing en-US voices.
func (p *Provider) TestConnection(ctx context.Context) bool {
	_, err := p.client.ListVoices(ctx, &texttospeechpb.ListVoicesRequest{LanguageCode: defaultLanguage})
	return err == nil
}

// statusOf maps gRPC and REST API errors onto HTTP status codes so the voice
// error classification applies uniformly.
func statusOf(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	s, ok := status.FromError(err)
	if !ok {
		return 0
	}
	switch s.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return http.StatusInternalServerError
	default:
		return 0
	}
}
