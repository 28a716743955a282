// Package gonka connects to Gonka network nodes. Nodes serve the OpenAI API
// but authenticate every request with a secp256k1 signature over the body
// instead of a bearer key.
package gonka

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/provider/openai"
)

// Endpoint is a Gonka inference node.
type Endpoint struct {
	URL     string // e.g. "https://node1.gonka.ai/v1"
	Address string // bech32 address of the node, part of every signature
}

// Option configures New.
type Option func(*config)

type config struct {
	name      string
	timeout   time.Duration
	transport http.RoundTripper
	now       func() time.Time
	inner     []openai.Option
}

// WithName sets the provider name (default "gonka").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithTimeout sets the HTTP client timeout. Default 120s; the P2P network is
// slower than hosted APIs.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBaseTransport sets the transport used after signing.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

// WithProviderOptions passes options to the underlying OpenAI-compatible
// provider, e.g. model overrides.
func WithProviderOptions(opts ...openai.Option) Option {
	return func(c *config) { c.inner = append(c.inner, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a provider for a Gonka node that signs requests with the
// hex-encoded secp256k1 private key.
func New(endpoint Endpoint, privateKeyHex string, opts ...Option) (*openai.Provider, error) {
	if endpoint.URL == "" || endpoint.Address == "" {
		return nil, fmt.Errorf("gonka: endpoint url and address are required")
	}

	cfg := &config{
		name:    "gonka",
		timeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.transport == nil {
		cfg.transport = http.DefaultTransport
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	s, err := newSigner(cfg.transport, privateKeyHex, endpoint.Address, cfg.now)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Transport: s, Timeout: cfg.timeout}
	inner := append([]openai.Option{openai.WithHTTPClient(client)}, cfg.inner...)
	return openai.New(cfg.name, endpoint.URL, inner...), nil
}

// FromConfig creates a provider from a config entry. Auth.APIKey carries the
// private key and NodeAddress the node's address.
func FromConfig(pc voxmeter.ProviderConfig, opts ...Option) (*openai.Provider, error) {
	var inner []openai.Option
	if pc.TranscriptionModel != "" {
		inner = append(inner, openai.WithTranscriptionModel(pc.TranscriptionModel))
	}
	if pc.ChatModel != "" {
		inner = append(inner, openai.WithChatModel(pc.ChatModel))
	}
	all := append([]Option{WithName(pc.Name), WithProviderOptions(inner...)}, opts...)
	return New(Endpoint{URL: pc.BaseURL, Address: pc.NodeAddress}, pc.Auth.APIKey, all...)
}
