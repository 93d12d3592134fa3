package gateway

import (
	"fmt"
	"strings"
)

// Kind classifies a completion failure. The coordinator converts most
// kinds into a rejection for the current submission; ModelCrashed and
// ModelNotLoaded bubble to the user.
type Kind string

const (
	KindModelCrashed          Kind = "model_crashed"
	KindRegexEngineFailure    Kind = "regex_engine_failure"
	KindInputOverflow         Kind = "input_overflow"
	KindMidGenerationOverflow Kind = "mid_generation_overflow"
	KindModelNotLoaded        Kind = "model_not_loaded"
	KindTransient             Kind = "transient"
)

// BackendError is a classified failure from the LLM backend.
type BackendError struct {
	Kind    Kind
	Model   string
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	switch e.Kind {
	case KindModelCrashed:
		return fmt.Sprintf("model %q has crashed: %s; reload the model and retry", e.Model, e.Message)
	case KindModelNotLoaded:
		return fmt.Sprintf("model %q is not loaded on the backend", e.Model)
	case KindInputOverflow:
		return fmt.Sprintf("prompt exceeds the context window loaded for model %q: %s; reload the model with a larger context", e.Model, e.Message)
	case KindMidGenerationOverflow:
		return fmt.Sprintf("model %q ran out of context mid-generation: %s", e.Model, e.Message)
	case KindRegexEngineFailure:
		return fmt.Sprintf("backend regex engine failure for model %q: %s", e.Model, e.Message)
	default:
		return fmt.Sprintf("backend error for model %q: %s", e.Model, e.Message)
	}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retriable reports whether the gateway may retry or fall back.
func (e *BackendError) Retriable() bool {
	return e.Kind == KindTransient
}

// classifyBadRequest maps an HTTP 400 body to an error kind by
// substring, following the LM Studio-style error strings the local
// backend emits.
func classifyBadRequest(model, body string) *BackendError {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "has crashed") || strings.Contains(lower, "exit code:"):
		return &BackendError{Kind: KindModelCrashed, Model: model, Message: body}
	case strings.Contains(lower, "failed to process regex"):
		return &BackendError{Kind: KindRegexEngineFailure, Model: model, Message: body}
	case strings.Contains(lower, "greater than the context length") ||
		strings.Contains(lower, "exceeds the context length") ||
		strings.Contains(lower, "larger than the context"):
		return &BackendError{Kind: KindInputOverflow, Model: model, Message: body}
	case strings.Contains(lower, "context length reached") ||
		strings.Contains(lower, "context is full"):
		// max_tokens should have prevented this; treated as a bug
		// upstream but surfaced non-retriable here.
		return &BackendError{Kind: KindMidGenerationOverflow, Model: model, Message: body}
	default:
		return &BackendError{Kind: KindTransient, Model: model, Message: body}
	}
}
