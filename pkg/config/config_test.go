package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "./session", cfg.Session.Dir)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Backend.BaseURL)
	assert.Equal(t, []int{256, 512, 768, 1024}, cfg.Retrieval.SubmitterChunkIntervals)
	assert.Equal(t, 512, cfg.Retrieval.ValidatorChunkSize)
	assert.InDelta(t, 0.20, cfg.Retrieval.ChunkOverlapPercentage, 1e-9)
	assert.Equal(t, 10, cfg.Workflow.MaxRetries)
	assert.Equal(t, 10, cfg.Workflow.CleanupReviewInterval)
	assert.Equal(t, 5000, cfg.Workflow.MinRAGReserve)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "openrouter without key",
			mutate: func(c *Config) { c.Backend.OpenRouterEnabled = true },
			errMsg: "openrouter_api_key",
		},
		{
			name:   "negative chunk interval",
			mutate: func(c *Config) { c.Retrieval.SubmitterChunkIntervals = []int{256, -1} },
			errMsg: "submitter_chunk_intervals",
		},
		{
			name:   "overlap out of range",
			mutate: func(c *Config) { c.Retrieval.ChunkOverlapPercentage = 1.0 },
			errMsg: "chunk_overlap_percentage",
		},
		{
			name: "role without model",
			mutate: func(c *Config) {
				c.Roles = map[string]RoleConfig{"submitter": {ContextWindow: 8192, MaxOutputTokens: 2048}}
			},
			errMsg: "model is required",
		},
		{
			name: "role with no input budget",
			mutate: func(c *Config) {
				c.Roles = map[string]RoleConfig{"submitter": {Model: "m", ContextWindow: 2048, MaxOutputTokens: 2048}}
			},
			errMsg: "no input budget",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestAvailableInput(t *testing.T) {
	role := RoleConfig{ContextWindow: 32768, MaxOutputTokens: 4096}
	assert.Equal(t, 27672, role.AvailableInput(1000))
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  dir: "+dir+"\n"), 0o644))

	t.Setenv("MOTO_BACKEND_URL", "http://backend:9999/v1")
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9999/v1", cfg.Backend.BaseURL)
	assert.Equal(t, "sk-test", cfg.Backend.OpenRouterAPIKey)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Backend.CORSOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
