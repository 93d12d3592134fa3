// Package config holds process-wide configuration for the moto
// pipeline: backend endpoints, role/model mapping, retrieval tuning, and
// workflow limits.
package config

import (
	"fmt"
)

// Config is the root configuration document.
type Config struct {
	Session   SessionConfig         `yaml:"session"`
	Backend   BackendConfig         `yaml:"backend"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Workflow  WorkflowConfig        `yaml:"workflow"`
	Roles     map[string]RoleConfig `yaml:"roles"`
}

// SessionConfig locates the session directory that state stores own.
type SessionConfig struct {
	Dir string `yaml:"dir"`
}

// BackendConfig describes the primary OpenAI-compatible backend and the
// optional OpenRouter-style secondary.
type BackendConfig struct {
	BaseURL              string `yaml:"base_url"`
	APIKey               string `yaml:"api_key,omitempty"`
	EmbeddingModel       string `yaml:"embedding_model"`
	EmbeddingBatchSize   int    `yaml:"embedding_batch_size"`
	EmbeddingConcurrency int    `yaml:"embedding_concurrency"`
	MaxRetries           int    `yaml:"max_retries"`
	RetryDelaySeconds    int    `yaml:"retry_delay_seconds"`
	DefaultMaxTokens     int    `yaml:"default_max_tokens"`

	OpenRouterEnabled bool   `yaml:"openrouter_enabled"`
	OpenRouterAPIKey  string `yaml:"openrouter_api_key,omitempty"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url,omitempty"`

	// CORSOrigins is parsed for the external API surface; the core
	// pipeline does not consume it.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// RoleConfig binds a pipeline role to a model identity and its window.
type RoleConfig struct {
	Model           string `yaml:"model"`
	ContextWindow   int    `yaml:"context_window"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	UseOpenRouter   bool   `yaml:"use_openrouter,omitempty"`
}

// AvailableInput is the input budget left after reserving output tokens
// and the safety margin.
func (r RoleConfig) AvailableInput(safetyMargin int) int {
	return r.ContextWindow - r.MaxOutputTokens - safetyMargin
}

// RetrievalConfig tunes chunking and the four-stage retrieve pipeline.
type RetrievalConfig struct {
	SubmitterChunkIntervals []int   `yaml:"submitter_chunk_intervals"`
	ValidatorChunkSize      int     `yaml:"validator_chunk_size"`
	ChunkOverlapPercentage  float64 `yaml:"chunk_overlap_percentage"`
	MaxDocuments            int     `yaml:"max_documents"`
	TopK                    int     `yaml:"top_k"`
	MMRLambda               float64 `yaml:"mmr_lambda"`
	SimilarityThreshold     float64 `yaml:"similarity_threshold"`
	CoverageThreshold       float64 `yaml:"coverage_threshold"`
	VectorWeight            float64 `yaml:"vector_weight"`
	BM25Weight              float64 `yaml:"bm25_weight"`
	PersistVectors          bool    `yaml:"persist_vectors"`
}

// WorkflowConfig bounds the coordinator's loops.
type WorkflowConfig struct {
	MaxRetries                int `yaml:"max_retries"`
	CleanupReviewInterval     int `yaml:"cleanup_review_interval"`
	ConsecutiveRejectionLimit int `yaml:"consecutive_rejection_limit"`
	ExhaustionSignalLimit     int `yaml:"exhaustion_signal_limit"`
	MaxCritiqueAttempts       int `yaml:"max_critique_attempts"`
	MaxOutlineIterations      int `yaml:"max_outline_iterations"`
	MinRAGReserve             int `yaml:"min_rag_reserve"`
	SafetyMargin              int `yaml:"safety_margin"`
	MaxSharedTrainingInsights int `yaml:"max_shared_training_insights"`
}

// SetDefaults fills zero values with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Session.Dir == "" {
		c.Session.Dir = "./session"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:1234/v1"
	}
	if c.Backend.EmbeddingModel == "" {
		c.Backend.EmbeddingModel = "text-embedding-nomic-embed-text-v1.5"
	}
	if c.Backend.EmbeddingBatchSize == 0 {
		c.Backend.EmbeddingBatchSize = 100
	}
	if c.Backend.EmbeddingConcurrency == 0 {
		c.Backend.EmbeddingConcurrency = 2
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}
	if c.Backend.RetryDelaySeconds == 0 {
		c.Backend.RetryDelaySeconds = 2
	}
	if c.Backend.DefaultMaxTokens == 0 {
		c.Backend.DefaultMaxTokens = 25000
	}
	if c.Backend.OpenRouterBaseURL == "" {
		c.Backend.OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	}
	if len(c.Backend.CORSOrigins) == 0 {
		c.Backend.CORSOrigins = []string{"http://localhost:3000"}
	}

	if len(c.Retrieval.SubmitterChunkIntervals) == 0 {
		c.Retrieval.SubmitterChunkIntervals = []int{256, 512, 768, 1024}
	}
	if c.Retrieval.ValidatorChunkSize == 0 {
		c.Retrieval.ValidatorChunkSize = 512
	}
	if c.Retrieval.ChunkOverlapPercentage == 0 {
		c.Retrieval.ChunkOverlapPercentage = 0.20
	}
	if c.Retrieval.MaxDocuments == 0 {
		c.Retrieval.MaxDocuments = 100
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 10
	}
	if c.Retrieval.MMRLambda == 0 {
		c.Retrieval.MMRLambda = 0.7
	}
	if c.Retrieval.SimilarityThreshold == 0 {
		c.Retrieval.SimilarityThreshold = 0.95
	}
	if c.Retrieval.CoverageThreshold == 0 {
		c.Retrieval.CoverageThreshold = 0.4
	}
	if c.Retrieval.VectorWeight == 0 {
		c.Retrieval.VectorWeight = 0.7
	}
	if c.Retrieval.BM25Weight == 0 {
		c.Retrieval.BM25Weight = 0.3
	}

	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = 10
	}
	if c.Workflow.CleanupReviewInterval == 0 {
		c.Workflow.CleanupReviewInterval = 10
	}
	if c.Workflow.ConsecutiveRejectionLimit == 0 {
		c.Workflow.ConsecutiveRejectionLimit = 10
	}
	if c.Workflow.ExhaustionSignalLimit == 0 {
		c.Workflow.ExhaustionSignalLimit = 2
	}
	if c.Workflow.MaxCritiqueAttempts == 0 {
		c.Workflow.MaxCritiqueAttempts = 5
	}
	if c.Workflow.MaxOutlineIterations == 0 {
		c.Workflow.MaxOutlineIterations = 15
	}
	if c.Workflow.MinRAGReserve == 0 {
		c.Workflow.MinRAGReserve = 5000
	}
	if c.Workflow.SafetyMargin == 0 {
		c.Workflow.SafetyMargin = 1000
	}
	if c.Workflow.MaxSharedTrainingInsights == 0 {
		c.Workflow.MaxSharedTrainingInsights = 500
	}

	if c.Roles == nil {
		c.Roles = make(map[string]RoleConfig)
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.OpenRouterEnabled && c.Backend.OpenRouterAPIKey == "" {
		return fmt.Errorf("openrouter_api_key is required when openrouter_enabled is true")
	}
	for _, size := range c.Retrieval.SubmitterChunkIntervals {
		if size <= 0 {
			return fmt.Errorf("submitter_chunk_intervals must be positive, got %d", size)
		}
	}
	if c.Retrieval.ChunkOverlapPercentage < 0 || c.Retrieval.ChunkOverlapPercentage >= 1 {
		return fmt.Errorf("chunk_overlap_percentage must be in [0,1), got %f", c.Retrieval.ChunkOverlapPercentage)
	}
	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("mmr_lambda must be in [0,1], got %f", c.Retrieval.MMRLambda)
	}
	for name, role := range c.Roles {
		if role.Model == "" {
			return fmt.Errorf("role %q: model is required", name)
		}
		if role.ContextWindow <= 0 {
			return fmt.Errorf("role %q: context_window must be positive", name)
		}
		if role.MaxOutputTokens <= 0 {
			return fmt.Errorf("role %q: max_output_tokens must be positive", name)
		}
		if role.AvailableInput(c.Workflow.SafetyMargin) <= 0 {
			return fmt.Errorf("role %q: context window leaves no input budget", name)
		}
	}
	return nil
}
