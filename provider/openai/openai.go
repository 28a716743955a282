// Package openai adapts OpenAI-compatible speech-to-text and chat completion
// APIs to voxmeter.Provider. It works with OpenAI, Groq and other services
// exposing /audio/transcriptions and /chat/completions.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/ineyio/voxmeter"
)

const (
	DefaultBaseURL            = "https://api.openai.com/v1"
	DefaultTranscriptionModel = "whisper-1"
	DefaultChatModel          = "gpt-4o-mini"
	DefaultMaxTokens          = 2000
)

// Provider calls an OpenAI-compatible API.
type Provider struct {
	name               string
	baseURL            string
	apiKey             string
	httpClient         *http.Client
	transcriptionModel string
	chatModel          string
	maxTokens          int
}

var _ voxmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithAPIKey sets the bearer credential.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithTranscriptionModel overrides the speech-to-text model.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithChatModel overrides the enrichment model.
func WithChatModel(model string) Option {
	return func(p *Provider) { p.chatModel = model }
}

// WithMaxTokens caps the enrichment completion length.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// New creates a provider for an OpenAI-compatible endpoint.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:               name,
		baseURL:            strings.TrimRight(baseURL, "/"),
		httpClient:         http.DefaultClient,
		transcriptionModel: DefaultTranscriptionModel,
		chatModel:          DefaultChatModel,
		maxTokens:          DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", DefaultBaseURL, opts...)
}

// NewGroq creates a provider for Groq.
func NewGroq(opts ...Option) *Provider {
	opts = append([]Option{
		WithTranscriptionModel("whisper-large-v3"),
		WithChatModel("llama-3.1-8b-instant"),
	}, opts...)
	return New("groq", "https://api.groq.com/openai/v1", opts...)
}

// FromConfig creates a provider from a config entry. Empty fields keep the
// OpenAI defaults.
func FromConfig(cfg voxmeter.ProviderConfig, opts ...Option) *Provider {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	all := []Option{WithAPIKey(cfg.Auth.APIKey)}
	if cfg.TranscriptionModel != "" {
		all = append(all, WithTranscriptionModel(cfg.TranscriptionModel))
	}
	if cfg.ChatModel != "" {
		all = append(all, WithChatModel(cfg.ChatModel))
	}
	return New(cfg.Name, base, append(all, opts...)...)
}

func (p *Provider) Name() string { return p.name }

type usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Usage *usage `json:"usage,omitempty"`
}

// Transcribe uploads the audio as multipart form data.
func (p *Provider) Transcribe(ctx context.Context, req voxmeter.ProviderTranscribeRequest) (voxmeter.ProviderResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
	h.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: create file part: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: write audio: %w", err)
	}
	if err := mw.WriteField("model", p.transcriptionModel); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: write model: %w", err)
	}
	if lang := req.Language; lang != "" && lang != "auto" {
		if err := mw.WriteField("language", lang); err != nil {
			return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: write language: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: close form: %w", err)
	}

	httpResp, err := p.do(ctx, "/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return voxmeter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	var resp transcriptionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: decode transcription: %v", voxmeter.ErrProviderUnavailable, err)
	}

	out := voxmeter.ProviderResponse{Text: resp.Text, Model: p.transcriptionModel}
	if resp.Usage != nil {
		out.ReportedTokens = resp.Usage.TotalTokens
	}
	return out, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

// Enrich sends the text as the user message under the system prompt.
func (p *Provider) Enrich(ctx context.Context, req voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Text},
		},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/openai: marshal request: %w", err)
	}

	httpResp, err := p.do(ctx, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return voxmeter.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: decode completion: %v", voxmeter.ErrProviderUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: empty choices in response", voxmeter.ErrProviderUnavailable)
	}

	model := resp.Model
	if model == "" {
		model = p.chatModel
	}
	return voxmeter.ProviderResponse{
		Text:           resp.Choices[0].Message.Content,
		Model:          model,
		ReportedTokens: resp.Usage.TotalTokens,
	}, nil
}

func (p *Provider) do(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("voxmeter/openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", voxmeter.ErrProviderUnavailable, err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	msg := strings.TrimSpace(string(body))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return voxmeter.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return voxmeter.ErrProviderAuth
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", voxmeter.ErrInvalidRequest, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", voxmeter.ErrProviderUnavailable, resp.StatusCode, msg)
	}
}
