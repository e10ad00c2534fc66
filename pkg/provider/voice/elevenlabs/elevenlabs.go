// Package elevenlabs provides an ElevenLabs-backed voice provider. It
// implements the voice.Provider interface.
//
// By default each line is synthesized with a single REST request returning an
// MP3 file. With [WithStreaming] the provider uses the ElevenLabs stream-input
// WebSocket API instead and assembles the streamed MP3 chunks into one buffer,
// which lowers time-to-first-byte on long lines.
//
// Typical usage:
//
//	p, err := elevenlabs.New(os.Getenv("ELEVENLABS_API_KEY"))
//	media, err := p.GenerateSpeech(ctx, "Welcome back!", types.SpeakerAlex)
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duologue/pkg/provider/voice"
	"github.com/MrWong99/duologue/pkg/types"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io/v1"
	defaultWSBase    = "wss://api.elevenlabs.io/v1"
	defaultModel     = "eleven_monolingual_v1"
	defaultOutputFmt = "mp3_44100_128"
	defaultTimeout   = 60 * time.Second

	// errorBodyLimit caps how much of an error response is read.
	errorBodyLimit = 4 << 10
)

// VoiceSettings mirrors the ElevenLabs voice_settings object.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// HostVoice is the voice assigned to one discussion host.
type HostVoice struct {
	// VoiceID is the ElevenLabs voice identifier.
	VoiceID string

	// Label is the voice's display name, used in [Provider.Name].
	Label string

	Settings VoiceSettings
}

// DefaultVoices returns the stock voice assignment: Rachel for Alex and Drew
// for Jordan.
func DefaultVoices() map[types.Speaker]HostVoice {
	return map[types.Speaker]HostVoice{
		types.SpeakerAlex: {
			VoiceID:  "21m00Tcm4TlvDq8ikWAM",
			Label:    "Rachel",
			Settings: VoiceSettings{Stability: 0.75, SimilarityBoost: 0.75, Style: 0.5, UseSpeakerBoost: true},
		},
		types.SpeakerJordan: {
			VoiceID:  "29vD33N1CtxCmqQRPOHJ",
			Label:    "Drew",
			Settings: VoiceSettings{Stability: 0.8, SimilarityBoost: 0.8, Style: 0.4, UseSpeakerBoost: true},
		},
	}
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128").
// Only MP3 formats are meaningful for the audio player.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoice overrides the voice used for speaker.
func WithVoice(speaker types.Speaker, v HostVoice) Option {
	return func(p *Provider) {
		p.voices[speaker] = v
	}
}

// WithBaseURL overrides the REST API base URL. Useful for tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithWebSocketBaseURL overrides the stream-input WebSocket base URL.
func WithWebSocketBaseURL(url string) Option {
	return func(p *Provider) {
		p.wsBaseURL = strings.TrimRight(url, "/")
	}
}

// WithStreaming switches synthesis to the stream-input WebSocket API.
func WithStreaming(enabled bool) Option {
	return func(p *Provider) {
		p.streaming = enabled
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithParallelism sets how many lines GenerateDiscussionAudio synthesizes at
// once.
func WithParallelism(n int) Option {
	return func(p *Provider) {
		p.parallelism = n
	}
}

// Provider implements voice.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	wsBaseURL    string
	streaming    bool
	parallelism  int
	voices       map[types.Speaker]HostVoice
	httpClient   *http.Client
}

var (
	_ voice.Provider = (*Provider)(nil)
	_ voice.Lister   = (*Provider)(nil)
)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		wsBaseURL:    defaultWSBase,
		voices:       DefaultVoices(),
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	for _, s := range types.Speakers {
		if p.voices[s].VoiceID == "" {
			return nil, fmt.Errorf("elevenlabs: no voice configured for %s", s)
		}
	}
	return p, nil
}

// Name implements voice.Provider.
func (p *Provider) Name() string {
	return fmt.Sprintf("ElevenLabs (%s / %s)",
		label(p.voices[types.SpeakerAlex]), label(p.voices[types.SpeakerJordan]))
}

func label(v HostVoice) string {
	if v.Label != "" {
		return v.Label
	}
	return v.VoiceID
}

// GenerateSpeech implements voice.Provider.
func (p *Provider) GenerateSpeech(ctx context.Context, text string, speaker types.Speaker) (types.Media, error) {
	v, ok := p.voices[speaker]
	if !ok {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("no voice for speaker %q", speaker))
	}
	if p.streaming {
		return p.streamSpeech(ctx, text, speaker, v)
	}
	return p.restSpeech(ctx, text, speaker, v)
}

// GenerateDiscussionAudio implements voice.Provider.
func (p *Provider) GenerateDiscussionAudio(ctx context.Context, rawText string) ([]types.PlayableItem, error) {
	return voice.GenerateDiscussion(ctx, p, rawText, voice.WithParallelism(p.parallelism))
}

// ---- REST synthesis ----

// speechRequest is the JSON body for POST /text-to-speech/{voice_id}.
type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// apiError is the error envelope returned by the ElevenLabs REST API.
type apiError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

func (p *Provider) restSpeech(ctx context.Context, text string, speaker types.Speaker, v HostVoice) (types.Media, error) {
	body, err := json.Marshal(speechRequest{Text: text, ModelID: p.model, VoiceSettings: v.Settings})
	if err != nil {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", p.baseURL, v.VoiceID, p.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, resp.StatusCode, readAPIError(resp.Body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, errors.New("empty audio response"))
	}
	return types.EncodedAudio{Data: audio, MIMEType: "audio/mpeg"}, nil
}

// readAPIError extracts the message from an ElevenLabs error body.
func readAPIError(r io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	var ae apiError
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Detail.Message != "" {
		if ae.Detail.Status != "" {
			return fmt.Errorf("%s: %s", ae.Detail.Status, ae.Detail.Message)
		}
		return errors.New(ae.Detail.Message)
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return errors.New(msg)
	}
	return errors.New("request failed")
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded MP3 chunk
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// streamSpeech synthesizes text over the stream-input WebSocket and returns the
// concatenated audio once ElevenLabs signals the final chunk.
func (p *Provider) streamSpeech(ctx context.Context, text string, speaker types.Speaker, v HostVoice) (types.Media, error) {
	conn, _, err := websocket.Dial(ctx, buildStreamURL(p.wsBaseURL, v.VoiceID, p.model, p.outputFormat), nil)
	if err != nil {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("dial: %w", err))
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 22)

	settings := v.Settings
	messages := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: &settings, XiAPIKey: p.apiKey},
		textMessage{Text: text + " ", TryTriggerGeneration: true},
		textMessage{Text: ""}, // end of input
	}
	for _, m := range messages {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("send: %w", err))
		}
	}

	var audio bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// A normal close after at least one chunk means the stream is done.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && audio.Len() > 0 {
				break
			}
			return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("read: %w", err))
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, http.StatusBadRequest, errors.New(resp.Error))
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, fmt.Errorf("decode chunk: %w", err))
			}
			audio.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}

	if audio.Len() == 0 {
		return nil, voice.NewProviderError(voice.IDElevenLabs, speaker, text, 0, errors.New("stream produced no audio"))
	}
	return types.EncodedAudio{Data: audio.Bytes(), MIMEType: "audio/mpeg"}, nil
}

// buildStreamURL constructs the stream-input WebSocket URL for a voice.
func buildStreamURL(base, voiceID, model, outputFormat string) string {
	return fmt.Sprintf("%s/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		base, voiceID, model, outputFormat)
}

// ---- Probe ----

// TestConnection implements voice.Provider by fetching the account's user
// record, which succeeds only with a valid key.
func (p *Provider) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/user", nil)
	if err != nil {
		return false
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	return resp.StatusCode == http.StatusOK
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices implements voice.Lister with every voice available to the
// configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]voice.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	voices, err := parseVoicesResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return voices, nil
}

// parseVoicesResponse parses a raw GET /v1/voices body.
func parseVoicesResponse(data []byte) ([]voice.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	out := make([]voice.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		out = append(out, voice.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Category: v.Category,
			Gender:   v.Labels["gender"],
			Labels:   v.Labels,
		})
	}
	return out, nil
}
