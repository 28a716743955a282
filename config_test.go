package voxmeter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/voxmeter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxmeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := voxmeter.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(5000), cfg.Plans.Trial)
	assert.Equal(t, int64(50000), cfg.Plans.Pro)
	assert.Equal(t, int64(500), cfg.Pricing.TokensPerMinute)
	assert.Equal(t, int64(200), cfg.Pricing.TokensPerEnrichment)
	assert.Equal(t, int64(1<<20), cfg.Pricing.BytesPerMinute)
	assert.False(t, cfg.Pricing.UseReportedCost)
}

func TestLoadConfig_OverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfig(t, `
plans:
  pro: 100000
pricing:
  use_reported_cost: true
provider_timeout: 30s
providers:
  - name: openai
    auth:
      api_key: ${TEST_OPENAI_KEY}
  - name: groq
    base_url: https://api.groq.com/openai/v1
    chat_model: llama-3.1-8b-instant
`)

	cfg, err := voxmeter.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), cfg.Plans.Pro)
	assert.Equal(t, int64(5000), cfg.Plans.Trial)
	assert.True(t, cfg.Pricing.UseReportedCost)
	assert.Equal(t, int64(500), cfg.Pricing.TokensPerMinute)
	assert.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].Auth.APIKey)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.Providers[1].ChatModel)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := voxmeter.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = voxmeter.LoadConfig(writeConfig(t, "plans: [1, 2"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*voxmeter.Config)
	}{
		{"zero trial", func(c *voxmeter.Config) { c.Plans.Trial = 0 }},
		{"negative starter", func(c *voxmeter.Config) { c.Plans.Starter = -1 }},
		{"pro below trial", func(c *voxmeter.Config) { c.Plans.Pro = 100 }},
		{"zero tokens per minute", func(c *voxmeter.Config) { c.Pricing.TokensPerMinute = 0 }},
		{"zero enrichment cost", func(c *voxmeter.Config) { c.Pricing.TokensPerEnrichment = 0 }},
		{"zero bytes per minute", func(c *voxmeter.Config) { c.Pricing.BytesPerMinute = 0 }},
		{"zero timeout", func(c *voxmeter.Config) { c.ProviderTimeout = 0 }},
		{"unnamed provider", func(c *voxmeter.Config) { c.Providers = []voxmeter.ProviderConfig{{}} }},
		{"duplicate provider", func(c *voxmeter.Config) {
			c.Providers = []voxmeter.ProviderConfig{{Name: "a"}, {Name: "a"}}
		}},
		{"unknown provider kind", func(c *voxmeter.Config) {
			c.Providers = []voxmeter.ProviderConfig{{Name: "a", Kind: "bedrock"}}
		}},
		{"gonka without node address", func(c *voxmeter.Config) {
			c.Providers = []voxmeter.ProviderConfig{{Name: "g", Kind: voxmeter.ProviderKindGonka, BaseURL: "https://node/v1"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := voxmeter.DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPlanLimits(t *testing.T) {
	limits := voxmeter.DefaultConfig().Plans
	assert.Equal(t, int64(5000), limits.Limit(voxmeter.PlanTrial))
	assert.Equal(t, int64(20000), limits.Limit(voxmeter.PlanStarter))
	assert.Equal(t, int64(50000), limits.Limit(voxmeter.PlanPro))
	assert.Zero(t, limits.Limit(voxmeter.PlanUnlimited))
	assert.Equal(t, int64(5000), limits.Limit("gold"))
}

func TestTrialDefaults(t *testing.T) {
	q := voxmeter.DefaultConfig().TrialDefaults("alice")
	assert.Equal(t, voxmeter.AccountQuota{UserID: "alice", TokensLimit: 5000, Plan: voxmeter.PlanTrial}, q)
	assert.Equal(t, int64(5000), q.Remaining())
}
