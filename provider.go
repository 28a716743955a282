package voxmeter

import "context"

// Provider is the interface that inference provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "groq").
	Name() string

	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, req ProviderTranscribeRequest) (ProviderResponse, error)

	// Enrich rewrites text according to a system prompt.
	Enrich(ctx context.Context, req ProviderEnrichRequest) (ProviderResponse, error)
}

// Auth holds authentication credentials for a provider account.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderTranscribeRequest is the request sent to a provider adapter for speech-to-text.
type ProviderTranscribeRequest struct {
	Audio       []byte
	Filename    string
	ContentType string
	Language    string // ISO-639-1, empty or "auto" for detection
}

// ProviderEnrichRequest is the request sent to a provider adapter for enrichment.
type ProviderEnrichRequest struct {
	Text         string
	SystemPrompt string
	Language     string
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	Text  string
	Model string

	// ReportedTokens is the provider's own usage figure, 0 if it did not
	// report one.
	ReportedTokens int64
}
