// Package metrics registers the pipeline's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LLMCalls counts completion calls by model and outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moto_llm_calls_total",
		Help: "Completion calls by model and outcome.",
	}, []string{"model", "outcome"})

	// LLMLatency observes completion wall-clock latency per model.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moto_llm_latency_seconds",
		Help:    "Completion latency by model.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"model"})

	// EmbeddingBatches counts embedding batches by outcome.
	EmbeddingBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moto_embedding_batches_total",
		Help: "Embedding batches by outcome.",
	}, []string{"outcome"})

	// RetrievalQueries counts retrieve calls by chunk size class.
	RetrievalQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moto_retrieval_queries_total",
		Help: "Retrieve calls by chunk size class.",
	}, []string{"size_class"})

	// Decisions counts validator decisions by tier and decision.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moto_validation_decisions_total",
		Help: "Validator decisions by tier and decision.",
	}, []string{"tier", "decision"})

	// RepairStages counts JSON contract repairs by succeeding stage.
	RepairStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moto_json_repair_stage_total",
		Help: "JSON repairs by the stage that succeeded.",
	}, []string{"stage"})
)
