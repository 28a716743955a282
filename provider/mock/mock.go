package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/voxmeter"
)

// Provider is a mock inference provider for testing.
type Provider struct {
	name            string
	latency         time.Duration
	failAfter       int
	staticErr       error
	enrichErr       error
	transcript      string
	reportedTokens  int64
	transcribeCalls atomic.Int64
	enrichCalls     atomic.Int64
	enrichFunc      func(voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error)
}

var _ voxmeter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "mock",
		transcript: "Hello from mock provider",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call. The call honours context
// cancellation while waiting.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes every call return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithEnrichError makes only enrichment calls fail.
func WithEnrichError(err error) Option {
	return func(p *Provider) { p.enrichErr = err }
}

// WithTranscript sets the text returned by Transcribe.
func WithTranscript(text string) Option {
	return func(p *Provider) { p.transcript = text }
}

// WithReportedTokens sets the usage figure reported on every call.
func WithReportedTokens(n int64) Option {
	return func(p *Provider) { p.reportedTokens = n }
}

// WithEnrichFunc sets a custom enrichment response function.
func WithEnrichFunc(fn func(voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error)) Option {
	return func(p *Provider) { p.enrichFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Transcribe(ctx context.Context, req voxmeter.ProviderTranscribeRequest) (voxmeter.ProviderResponse, error) {
	count := p.transcribeCalls.Add(1)
	if err := p.prepare(ctx, count); err != nil {
		return voxmeter.ProviderResponse{}, err
	}

	return voxmeter.ProviderResponse{
		Text:           p.transcript,
		Model:          "mock-whisper",
		ReportedTokens: p.reportedTokens,
	}, nil
}

func (p *Provider) Enrich(ctx context.Context, req voxmeter.ProviderEnrichRequest) (voxmeter.ProviderResponse, error) {
	count := p.enrichCalls.Add(1)
	if err := p.prepare(ctx, count); err != nil {
		return voxmeter.ProviderResponse{}, err
	}
	if p.enrichErr != nil {
		return voxmeter.ProviderResponse{}, p.enrichErr
	}

	if p.enrichFunc != nil {
		return p.enrichFunc(req)
	}

	return voxmeter.ProviderResponse{
		Text:           "Enriched: " + req.Text,
		Model:          "mock-chat",
		ReportedTokens: p.reportedTokens,
	}, nil
}

func (p *Provider) prepare(ctx context.Context, count int64) error {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.staticErr != nil {
		return p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return voxmeter.ErrProviderUnavailable
	}
	return nil
}

// TranscribeCalls returns the number of Transcribe calls made.
func (p *Provider) TranscribeCalls() int64 { return p.transcribeCalls.Load() }

// EnrichCalls returns the number of Enrich calls made.
func (p *Provider) EnrichCalls() int64 { return p.enrichCalls.Load() }

// CallCount returns the total number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.transcribeCalls.Load() + p.enrichCalls.Load() }
