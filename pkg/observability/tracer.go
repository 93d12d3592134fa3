// Package observability provides the tracing constants and tracer
// accessor used across the pipeline. The global tracer is a noop unless
// the embedding application installs an OpenTelemetry SDK.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanLLMRequest       = "moto.llm.request"
	SpanEmbeddingRequest = "moto.embedding.request"
	SpanRetrieve         = "moto.retrieval.retrieve"
	SpanIngest           = "moto.retrieval.ingest"
)

// Attribute keys.
const (
	AttrLLMModel     = "llm.model"
	AttrLLMRole      = "llm.role"
	AttrTaskID       = "task.id"
	AttrTokensInput  = "llm.tokens.input"
	AttrTokensOutput = "llm.tokens.output"
	AttrChunkSize    = "retrieval.chunk_size"
)

// GetTracer returns the named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
