package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/metrics"
	"github.com/intrafere/moto/pkg/observability"
)

// Gateway coordinates all LLM traffic. A per-model semaphore of
// capacity 1 serializes completions per model identity; a small
// embedding semaphore caps embedding concurrency.
type Gateway struct {
	primary   *backend
	secondary *backend // OpenRouter-style fallback, may be nil
	cfg       config.BackendConfig
	roles     map[string]config.RoleConfig

	registryMu sync.Mutex
	modelSems  map[string]*semaphore.Weighted

	embedSem *semaphore.Weighted
}

// New builds a Gateway from configuration.
func New(cfg config.BackendConfig, roles map[string]config.RoleConfig) *Gateway {
	retryDelay := time.Duration(cfg.RetryDelaySeconds) * time.Second

	g := &Gateway{
		primary:   newBackend("primary", cfg.BaseURL, cfg.APIKey, cfg.MaxRetries, retryDelay),
		cfg:       cfg,
		roles:     roles,
		modelSems: make(map[string]*semaphore.Weighted),
		embedSem:  semaphore.NewWeighted(int64(cfg.EmbeddingConcurrency)),
	}

	if cfg.OpenRouterEnabled {
		g.secondary = newBackend("openrouter", cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.MaxRetries, retryDelay)
	}

	return g
}

// modelSemaphore lazily creates the single-flight semaphore for a model
// identity under the registry lock.
func (g *Gateway) modelSemaphore(model string) *semaphore.Weighted {
	g.registryMu.Lock()
	defer g.registryMu.Unlock()

	sem, ok := g.modelSems[model]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.modelSems[model] = sem
	}
	return sem
}

// backendFor consults the role table: roles flagged use_openrouter get
// the secondary backend when it is configured.
func (g *Gateway) backendFor(roleID string) *backend {
	if g.secondary != nil {
		if role, ok := g.roles[roleID]; ok && role.UseOpenRouter {
			return g.secondary
		}
	}
	return g.primary
}

// Completion runs one chat completion under the per-model single-flight
// discipline. Transient failures retry up to MaxRetries with linear
// backoff; on a non-retriable primary failure the call is reissued once
// against the configured fallback backend for the role.
func (g *Gateway) Completion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.MaxTokens <= 0 {
		// Never send an unset max_tokens: an unbounded generation can
		// overflow the context mid-output.
		req.MaxTokens = g.cfg.DefaultMaxTokens
	}

	sem := g.modelSemaphore(req.Model)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	tracer := observability.GetTracer("moto.gateway")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Model),
			attribute.String(observability.AttrLLMRole, req.RoleID),
			attribute.String(observability.AttrTaskID, req.TaskID),
		),
	)
	defer span.End()

	if req.OnStarted != nil {
		req.OnStarted(req.TaskID)
	}
	if req.OnCompleted != nil {
		defer req.OnCompleted(req.TaskID)
	}

	be := g.backendFor(req.RoleID)
	retryDelay := time.Duration(g.cfg.RetryDelaySeconds) * time.Second

	var resp *CompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err = be.completion(ctx, req.Model, req.Messages, req.Temperature, req.MaxTokens)
		metrics.LLMLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
		if err == nil {
			break
		}

		berr, ok := err.(*BackendError)
		if ok && berr.Retriable() && attempt < g.cfg.MaxRetries {
			wait := retryDelay * time.Duration(attempt+1)
			slog.Warn("Transient backend failure, retrying",
				"model", req.Model,
				"role", req.RoleID,
				"attempt", attempt+1,
				"max_retries", g.cfg.MaxRetries,
				"delay", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				err = ctx.Err()
			}
			break
		}

		if ok && !berr.Retriable() && g.secondary != nil && be == g.primary {
			slog.Warn("Primary backend failed non-retriably, trying fallback",
				"model", req.Model,
				"role", req.RoleID,
				"kind", string(berr.Kind))
			resp, err = g.secondary.completion(ctx, req.Model, req.Messages, req.Temperature, req.MaxTokens)
		}
		break
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.LLMCalls.WithLabelValues(req.Model, "error").Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrTokensInput, resp.Usage.PromptTokens),
		attribute.Int(observability.AttrTokensOutput, resp.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	metrics.LLMCalls.WithLabelValues(req.Model, "success").Inc()

	return resp, nil
}

// embedMaxRetries is per batch, in addition to HTTP-level retries.
const embedMaxRetries = 1

const embedRetryDelay = 2 * time.Second

// Embeddings embeds all inputs, batched, under the embedding
// concurrency cap. Batches run sequentially within the slot; each batch
// retries independently.
func (g *Gateway) Embeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	if err := g.embedSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.embedSem.Release(1)

	tracer := observability.GetTracer("moto.gateway")
	ctx, span := tracer.Start(ctx, observability.SpanEmbeddingRequest,
		trace.WithAttributes(attribute.Int("embedding.inputs", len(inputs))),
	)
	defer span.End()

	batchSize := g.cfg.EmbeddingBatchSize
	out := make([][]float32, 0, len(inputs))

	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		batch := inputs[start:end]

		var vectors [][]float32
		var err error
		for attempt := 0; attempt <= embedMaxRetries; attempt++ {
			vectors, err = g.primary.embedBatch(ctx, g.cfg.EmbeddingModel, batch)
			if err == nil {
				break
			}
			if attempt < embedMaxRetries {
				slog.Warn("Embedding batch failed, retrying",
					"batch_start", start,
					"batch_size", len(batch),
					"error", err)
				select {
				case <-time.After(embedRetryDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.EmbeddingBatches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.EmbeddingBatches.WithLabelValues("success").Inc()
		out = append(out, vectors...)
	}

	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Available probes the primary backend.
func (g *Gateway) Available(ctx context.Context) (bool, error) {
	return g.primary.probe(ctx)
}
