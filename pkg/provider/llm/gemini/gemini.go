// Package gemini provides an LLM provider backed by Google's Gemini API via
// github.com/google/generative-ai-go.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/duologue/pkg/provider/llm"
	"github.com/MrWong99/duologue/pkg/types"
)

// DefaultModel is used when New is given an empty model name.
const DefaultModel = "gemini-1.5-flash"

// sendFunc runs one chat turn. Tests replace it.
type sendFunc func(ctx context.Context, m *genai.GenerativeModel, history []*genai.Content, msg genai.Part) (*genai.GenerateContentResponse, error)

// Provider implements llm.Provider on top of a genai.Client.
type Provider struct {
	client   *genai.Client
	model    string
	newModel func(name string) *genai.GenerativeModel
	send     sendFunc
}

var _ llm.Provider = (*Provider)(nil)

// New connects to the Gemini API with apiKey. Extra client options (endpoint,
// HTTP client) are passed through.
func New(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{
		client:   client,
		model:    model,
		newModel: client.GenerativeModel,
		send:     sendChat,
	}, nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "gemini/" + p.model }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	history, last, system, err := toContents(req.Messages)
	if err != nil {
		return nil, err
	}

	m := p.newModel(p.model)
	configure(m, req, system)

	resp, err := p.send(ctx, m, history, last)
	if err != nil {
		return nil, &llm.APIError{Provider: "gemini", StatusCode: statusOf(err), Err: err}
	}
	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	out := &llm.CompletionResponse{Content: text}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func sendChat(ctx context.Context, m *genai.GenerativeModel, history []*genai.Content, msg genai.Part) (*genai.GenerateContentResponse, error) {
	cs := m.StartChat()
	cs.History = history
	return cs.SendMessage(ctx, msg)
}

// configure applies the request's generation settings to m. System
// messages found in the history are appended to the system prompt.
func configure(m *genai.GenerativeModel, req llm.CompletionRequest, extraSystem []string) {
	system := extraSystem
	if req.SystemPrompt != "" {
		system = append([]string{req.SystemPrompt}, system...)
	}
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}
	if req.Temperature != 0 {
		m.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.JSON {
		m.ResponseMIMEType = "application/json"
	}
}

// toContents splits msgs into chat history and the final user turn.
// Gemini names the assistant role "model".
func toContents(msgs []types.Message) (history []*genai.Content, last genai.Part, system []string, err error) {
	var turns []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		case "assistant":
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			return nil, nil, nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
		}
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return nil, nil, nil, errors.New("gemini: the last message must come from the user")
	}
	return turns[:len(turns)-1], turns[len(turns)-1].Parts[0], system, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil {
			return "", fmt.Errorf("gemini: prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", errors.New("gemini: empty candidates in response")
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return "", fmt.Errorf("gemini: candidate without content (finish reason %v)", c.FinishReason)
	}
	var b strings.Builder
	for _, part := range c.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String(), nil
}

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
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Internal, codes.Unknown:
		return http.StatusInternalServerError
	default:
		return 0
	}
}
