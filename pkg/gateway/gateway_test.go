package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrafere/moto/pkg/config"
)

func testBackendConfig(url string) config.BackendConfig {
	cfg := config.BackendConfig{BaseURL: url}
	root := config.Config{Backend: cfg}
	root.SetDefaults()
	out := root.Backend
	out.BaseURL = url
	out.MaxRetries = 1
	out.RetryDelaySeconds = 1
	return out
}

func completionHandler(t *testing.T, fn func(req chatRequest) (int, any)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := fn(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func okResponse(content string) chatResponse {
	return chatResponse{
		Choices: []Choice{{Message: ChoiceMessage{Content: content}}},
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestCompletionDefaultsMaxTokens(t *testing.T) {
	var gotMaxTokens int
	srv := httptest.NewServer(completionHandler(t, func(req chatRequest) (int, any) {
		gotMaxTokens = req.MaxTokens
		return http.StatusOK, okResponse("hi")
	}))
	defer srv.Close()

	g := New(testBackendConfig(srv.URL), nil)
	resp, err := g.Completion(context.Background(), CompletionRequest{
		TaskID: "t1", RoleID: "submitter_1", Model: "model-x",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 25000, gotMaxTokens)
	assert.Equal(t, "hi", resp.Choices[0].Text())
}

func TestChoiceTextFallsBackToReasoning(t *testing.T) {
	c := Choice{Message: ChoiceMessage{Reasoning: `{"a":1}`}}
	assert.Equal(t, `{"a":1}`, c.Text())
}

func TestCompletionClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"crash", http.StatusBadRequest, `{"error":{"message":"the model has crashed (exit code: 6)"}}`, KindModelCrashed},
		{"regex", http.StatusBadRequest, `{"error":{"message":"failed to process regex"}}`, KindRegexEngineFailure},
		{"input overflow", http.StatusBadRequest, `{"error":{"message":"prompt is greater than the context length (8192 tokens required)"}}`, KindInputOverflow},
		{"mid generation", http.StatusBadRequest, `{"error":{"message":"context length reached during generation"}}`, KindMidGenerationOverflow},
		{"not loaded", http.StatusNotFound, `{"error":{"message":"model not found"}}`, KindModelNotLoaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(func() http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					fmt.Fprint(w, tt.body)
				}
			}())
			defer srv.Close()

			g := New(testBackendConfig(srv.URL), nil)
			_, err := g.Completion(context.Background(), CompletionRequest{
				Model: "model-x", Messages: []Message{{Role: "user", Content: "x"}},
			})
			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.kind, be.Kind)
		})
	}
}

func TestPerModelSingleFlight(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	overlapped := map[string]bool{}

	srv := httptest.NewServer(completionHandler(t, func(req chatRequest) (int, any) {
		mu.Lock()
		active[req.Model]++
		if active[req.Model] > 1 {
			overlapped[req.Model] = true
		}
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		active[req.Model]--
		mu.Unlock()
		return http.StatusOK, okResponse("ok")
	}))
	defer srv.Close()

	g := New(testBackendConfig(srv.URL), nil)

	var wg sync.WaitGroup
	call := func(model string) {
		defer wg.Done()
		_, err := g.Completion(context.Background(), CompletionRequest{
			Model: model, Messages: []Message{{Role: "user", Content: "x"}},
		})
		assert.NoError(t, err)
	}

	wg.Add(3)
	go call("model-x")
	go call("model-x")
	go call("model-y")
	wg.Wait()

	assert.False(t, overlapped["model-x"], "calls for the same model must not overlap")
}

func TestEmbeddingsBatchingAndReorder(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.Input))

		resp := embedResponse{}
		// Reply in reverse index order; the client must reorder.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i)}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.EmbeddingBatchSize = 2
	g := New(cfg, nil)

	vectors, err := g.Embeddings(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []int{2, 1}, batchSizes)
	assert.Equal(t, []float32{0}, vectors[0])
	assert.Equal(t, []float32{1}, vectors[1])
	assert.Equal(t, []float32{0}, vectors[2])
}

func TestTransientFailureRetriesThenSurfaces(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"some unrecognized backend hiccup"}}`)
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.MaxRetries = 3
	cfg.RetryDelaySeconds = 0

	g := New(cfg, nil)
	_, err := g.Completion(context.Background(), CompletionRequest{
		Model: "model-x", Messages: []Message{{Role: "user", Content: "x"}},
	})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindTransient, be.Kind)
	// Initial attempt plus MaxRetries backoff retries.
	assert.Equal(t, 4, requests)
}

func TestFallbackOnNonRetriableFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"the model has crashed (exit code: 1)"}}`)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(completionHandler(t, func(req chatRequest) (int, any) {
		return http.StatusOK, okResponse("from fallback")
	}))
	defer secondary.Close()

	cfg := testBackendConfig(primary.URL)
	cfg.OpenRouterEnabled = true
	cfg.OpenRouterAPIKey = "test-key"
	cfg.OpenRouterBaseURL = secondary.URL

	g := New(cfg, map[string]config.RoleConfig{
		"submitter_1": {Model: "model-x", ContextWindow: 16000, MaxOutputTokens: 4000},
	})

	resp, err := g.Completion(context.Background(), CompletionRequest{
		RoleID: "submitter_1", Model: "model-x",
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Choices[0].Text())
}

func TestParseLMSTable(t *testing.T) {
	out := `IDENTIFIER            MODEL                 STATUS
qwen2.5-32b:2         qwen2.5-32b           loaded
nomic-embed-text-v1.5 nomic-embed           loaded
`
	models := parseLMSTable(out)
	assert.Equal(t, []string{"qwen2.5-32b:2", "nomic-embed-text-v1.5"}, models)
}
