package voxmeter

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults shared by the Estimator and the Usage Recorder.
const (
	DefaultTrialTokensLimit    int64 = 5000
	DefaultStarterTokensLimit  int64 = 20000
	DefaultProTokensLimit      int64 = 50000
	DefaultTokensPerMinute     int64 = 500
	DefaultTokensPerEnrichment int64 = 200
	DefaultBytesPerMinute      int64 = 1024 * 1024
	DefaultProviderTimeout           = 60 * time.Second
)

// Config is the top-level metering configuration.
type Config struct {
	Plans           PlanLimits       `yaml:"plans"`
	Pricing         Pricing          `yaml:"pricing"`
	ProviderTimeout time.Duration    `yaml:"provider_timeout"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// PlanLimits holds the token limit granted by each plan.
type PlanLimits struct {
	Trial   int64 `yaml:"trial"`
	Starter int64 `yaml:"starter"`
	Pro     int64 `yaml:"pro"`
}

// Pricing holds the token cost constants.
type Pricing struct {
	TokensPerMinute     int64 `yaml:"tokens_per_minute"`
	TokensPerEnrichment int64 `yaml:"tokens_per_enrichment"`
	BytesPerMinute      int64 `yaml:"bytes_per_minute"`

	// UseReportedCost charges the provider-reported cost instead of the
	// pre-estimate when the provider reports one.
	UseReportedCost bool `yaml:"use_reported_cost"`
}

// ProviderConfig configures a single inference provider account.
type ProviderConfig struct {
	Name               string `yaml:"name"`
	BaseURL            string `yaml:"base_url"`
	Auth               Auth   `yaml:"auth"`
	TranscriptionModel string `yaml:"transcription_model"`
	ChatModel          string `yaml:"chat_model"`

	// Kind selects the adapter: "openai" (default, any OpenAI-compatible
	// API), "gemini" or "gonka".
	Kind string `yaml:"kind"`

	// NodeAddress is the bech32 address of a Gonka node.
	NodeAddress string `yaml:"node_address"`
}

// Provider kinds.
const (
	ProviderKindOpenAI = "openai"
	ProviderKindGemini = "gemini"
	ProviderKindGonka  = "gonka"
)

// DefaultConfig returns a Config populated with the built-in constants.
func DefaultConfig() Config {
	return Config{
		Plans: PlanLimits{
			Trial:   DefaultTrialTokensLimit,
			Starter: DefaultStarterTokensLimit,
			Pro:     DefaultProTokensLimit,
		},
		Pricing: Pricing{
			TokensPerMinute:     DefaultTokensPerMinute,
			TokensPerEnrichment: DefaultTokensPerEnrichment,
			BytesPerMinute:      DefaultBytesPerMinute,
		},
		ProviderTimeout: DefaultProviderTimeout,
	}
}

// Limit returns the token limit for a plan. PlanUnlimited returns 0 because
// admission never compares against it.
func (l PlanLimits) Limit(p Plan) int64 {
	switch p {
	case PlanStarter:
		return l.Starter
	case PlanPro:
		return l.Pro
	case PlanUnlimited:
		return 0
	default:
		return l.Trial
	}
}

// TrialDefaults returns the ledger row a new account starts with.
func (c Config) TrialDefaults(userID string) AccountQuota {
	return AccountQuota{
		UserID:      userID,
		TokensLimit: c.Plans.Limit(PlanTrial),
		Plan:        PlanTrial,
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("voxmeter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("voxmeter: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Plans.Trial <= 0 {
		return fmt.Errorf("voxmeter: config: plans.trial must be positive")
	}
	if c.Plans.Starter < 0 || c.Plans.Pro < 0 {
		return fmt.Errorf("voxmeter: config: plan limits must not be negative")
	}
	if c.Plans.Pro < c.Plans.Trial {
		return fmt.Errorf("voxmeter: config: plans.pro (%d) is below plans.trial (%d)", c.Plans.Pro, c.Plans.Trial)
	}
	if c.Pricing.TokensPerMinute <= 0 {
		return fmt.Errorf("voxmeter: config: pricing.tokens_per_minute must be positive")
	}
	if c.Pricing.TokensPerEnrichment <= 0 {
		return fmt.Errorf("voxmeter: config: pricing.tokens_per_enrichment must be positive")
	}
	if c.Pricing.BytesPerMinute <= 0 {
		return fmt.Errorf("voxmeter: config: pricing.bytes_per_minute must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("voxmeter: config: provider_timeout must be positive")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("voxmeter: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("voxmeter: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case "", ProviderKindOpenAI, ProviderKindGemini:
		case ProviderKindGonka:
			if p.BaseURL == "" || p.NodeAddress == "" {
				return fmt.Errorf("voxmeter: config: providers[%d]: gonka requires base_url and node_address", i)
			}
		default:
			return fmt.Errorf("voxmeter: config: providers[%d]: unknown kind %q", i, p.Kind)
		}
	}

	return nil
}
