// Package gemini adapts the Gemini generateContent API to voxmeter.Provider.
// Audio is sent inline and transcribed by the model itself.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/voxmeter"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash"
)

const transcribePrompt = "Transcribe this audio verbatim. Return only the transcript."

// Provider is the Gemini API adapter.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ voxmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModel sets the model used for both transcription and enrichment.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithName sets the provider name (default "gemini").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates a Gemini provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       "gemini",
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig creates a provider from a config entry. ChatModel, or failing
// that TranscriptionModel, selects the model.
func FromConfig(pc voxmeter.ProviderConfig, opts ...Option) *Provider {
	all := []Option{WithName(pc.Name)}
	if pc.BaseURL != "" {
		all = append(all, WithBaseURL(pc.BaseURL))
	}
	switch {
	case pc.ChatModel != "":
		all = append(all, WithModel(pc.ChatModel))
	case pc.TranscriptionModel != "":
		all = append(all, WithModel(pc.TranscriptionModel))
	}
	return New(pc.Auth.APIKey, append(all, opts...)...)
}

func (p *Provider) Name() string { return p.name }

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) Transcribe(ctx context.Context, req voxmeter.ProviderTranscribeRequest) (voxmeter.ProviderResponse, error) {
	prompt := transcribePrompt
	if req.Language != "" && req.Language != "auto" {
		prompt += " The speech is in language code " + req.Language + "."
	}
	mime := req.ContentType
	if mime == "" {
		mime = "audio/webm"
	}

	return p.generate(ctx, geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(req.Audio)}},
			},
		}},
	})
}

func (p *Provider) Enrich(ctx context.Context, req voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Text}}}},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return p.generate(ctx, body)
}

func (p *Provider) generate(ctx context.Context, body geminiRequest) (voxmeter.ProviderResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("voxmeter/gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: %v", voxmeter.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return voxmeter.ProviderResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: decode gemini response: %v", voxmeter.ErrProviderUnavailable, err)
	}
	if len(resp.Candidates) == 0 {
		return voxmeter.ProviderResponse{}, fmt.Errorf("%w: empty candidates in gemini response", voxmeter.ErrProviderUnavailable)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	model := resp.ModelVersion
	if model == "" {
		model = p.model
	}
	return voxmeter.ProviderResponse{
		Text:           strings.TrimSpace(text.String()),
		Model:          model,
		ReportedTokens: resp.UsageMetadata.TotalTokenCount,
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return voxmeter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return voxmeter.ErrProviderAuth
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", voxmeter.ErrInvalidRequest, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: gemini returned %d", voxmeter.ErrProviderUnavailable, resp.StatusCode)
	}
}
