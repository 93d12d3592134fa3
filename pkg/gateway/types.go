// Package gateway is the backend-agnostic LLM client: chat completions
// and embeddings over the OpenAI-compatible wire, with per-model
// single-flight, embedding batching, retry, error classification, and
// an optional secondary backend per role.
package gateway

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything one completion call needs.
type CompletionRequest struct {
	TaskID      string
	RoleID      string
	Model       string
	Messages    []Message
	Temperature float64
	// MaxTokens <= 0 means "use the gateway default". The gateway never
	// sends an unset max_tokens to the backend.
	MaxTokens int

	// Telemetry hooks supplied by the caller; invoked around the
	// backend call when non-nil.
	OnStarted   func(taskID string)
	OnCompleted func(taskID string)
}

// ChoiceMessage mirrors the OpenAI message shape. Reasoning models may
// put their JSON into reasoning and leave content empty.
type ChoiceMessage struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Choice is one completion candidate.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// Text returns the message content, falling back to reasoning when
// content is empty.
func (c Choice) Text() string {
	if c.Message.Content != "" {
		return c.Message.Content
	}
	return c.Message.Reasoning
}

// Usage reports backend token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the consumer-facing result.
type CompletionResponse struct {
	Choices []Choice
	Usage   Usage
}

// chat wire types

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []Choice   `json:"choices"`
	Usage   Usage      `json:"usage"`
	Error   *wireError `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// embeddings wire types

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *wireError `json:"error,omitempty"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}
