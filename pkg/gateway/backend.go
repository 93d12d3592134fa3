package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/intrafere/moto/pkg/httpclient"
)

// backend is one OpenAI-compatible endpoint.
type backend struct {
	name    string
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

func newBackend(name, baseURL, apiKey string, maxRetries int, retryDelay time.Duration) *backend {
	return &backend{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: httpclient.New(
			// Keep-alive pool with no global timeout: long completions
			// are expected. Deadlines come from the caller's context.
			httpclient.WithHTTPClient(&http.Client{}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(retryDelay),
		),
	}
}

func (b *backend) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if resp == nil {
			return 0, nil, err
		}
	}
	if resp == nil {
		return 0, nil, fmt.Errorf("no response from backend %s", b.name)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", readErr)
	}
	return resp.StatusCode, respBody, nil
}

// completion issues one chat completion call and classifies failures.
func (b *backend) completion(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (*CompletionResponse, error) {
	status, body, err := b.post(ctx, "/chat/completions", chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil && status == 0 {
		return nil, &BackendError{Kind: KindTransient, Model: model, Message: err.Error(), Err: err}
	}

	switch {
	case status == http.StatusNotFound:
		return nil, &BackendError{Kind: KindModelNotLoaded, Model: model, Message: string(body)}
	case status == http.StatusBadRequest:
		return nil, classifyBadRequest(model, errorMessage(body))
	case status < 200 || status >= 300:
		return nil, &BackendError{Kind: KindTransient, Model: model, Message: fmt.Sprintf("HTTP %d: %s", status, errorMessage(body))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &BackendError{Kind: KindTransient, Model: model, Message: "malformed completion response", Err: err}
	}
	if parsed.Error != nil {
		return nil, classifyBadRequest(model, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, &BackendError{Kind: KindTransient, Model: model, Message: "no choices returned"}
	}

	return &CompletionResponse{Choices: parsed.Choices, Usage: parsed.Usage}, nil
}

// embedBatch embeds one batch, reordering vectors by index.
func (b *backend) embedBatch(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	status, body, err := b.post(ctx, "/embeddings", embedRequest{Model: model, Input: inputs})
	if err != nil && status == 0 {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("embedding request failed: HTTP %d: %s", status, errorMessage(body))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed embedding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(inputs), len(parsed.Data))
	}

	out := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// probe checks availability: GET /v1/models with a short timeout,
// success plus at least one loaded model means available.
func (b *backend) probe(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return false, err
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("availability probe: HTTP %d", resp.StatusCode)
	}

	var parsed modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, err
	}
	return len(parsed.Data) > 0, nil
}

// errorMessage pulls the message out of an error envelope, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error *wireError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		return envelope.Error.Message
	}
	return string(body)
}
