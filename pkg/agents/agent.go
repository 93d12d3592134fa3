package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/contract"
	"github.com/intrafere/moto/pkg/gateway"
	"github.com/intrafere/moto/pkg/metrics"
	"github.com/intrafere/moto/pkg/utils"
)

// Completer is the slice of the gateway agents use.
type Completer interface {
	Completion(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error)
}

// Agent bundles what every role needs: a gateway, an allocator, a token
// counter, and its role binding. Embedded by the concrete agents.
type Agent struct {
	RoleID    string
	Role      config.RoleConfig
	Gateway   Completer
	Allocator *allocator.Allocator
	Counter   *utils.TokenCounter

	SafetyMargin int
}

// AvailableInput is the input budget for this role's model.
func (a *Agent) AvailableInput() int {
	return a.Role.AvailableInput(a.SafetyMargin)
}

const failedOutputPreviewMax = 2000

// CompleteJSON sends the prompt, decodes the reply against the schema,
// and on a parse failure reprompts conversationally once: the failed
// output (truncated) comes back as an assistant turn with a fix-it
// instruction, provided the augmented conversation still fits the
// input budget, otherwise the original prompt is resent without
// history.
func (a *Agent) CompleteJSON(ctx context.Context, taskID, prompt string, schema *contract.Schema) (map[string]any, error) {
	messages := []gateway.Message{{Role: "user", Content: prompt}}

	text, err := a.complete(ctx, taskID, messages)
	if err != nil {
		return nil, err
	}

	obj, stage, parseErr := contract.Decode(text, schema)
	if parseErr == nil {
		metrics.RepairStages.WithLabelValues(string(stage)).Inc()
		return obj, nil
	}

	slog.Warn("Agent reply failed JSON contract; retrying conversationally",
		"role", a.RoleID,
		"task", taskID,
		"error", parseErr)

	retry := []gateway.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: truncateText(text, failedOutputPreviewMax)},
		{Role: "user", Content: fmt.Sprintf("Your JSON was invalid: %v. Reply with only valid JSON matching the schema.", parseErr)},
	}
	if a.countMessages(retry) > a.AvailableInput() {
		// Measured, not guessed: drop the history when it would not fit.
		retry = messages
	}

	text, err = a.complete(ctx, taskID, retry)
	if err != nil {
		return nil, err
	}

	obj, stage, parseErr = contract.Decode(text, schema)
	if parseErr != nil {
		return nil, parseErr
	}
	metrics.RepairStages.WithLabelValues(string(stage)).Inc()
	return obj, nil
}

// complete issues one deterministic completion for this role.
func (a *Agent) complete(ctx context.Context, taskID string, messages []gateway.Message) (string, error) {
	resp, err := a.Gateway.Completion(ctx, gateway.CompletionRequest{
		TaskID:      taskID,
		RoleID:      a.RoleID,
		Model:       a.Role.Model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   a.Role.MaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("backend returned no choices for role %q", a.RoleID)
	}
	return resp.Choices[0].Text(), nil
}

func (a *Agent) countMessages(messages []gateway.Message) int {
	if a.Counter == nil {
		total := 0
		for _, m := range messages {
			total += utils.EstimateTokens(m.Content) + 4
		}
		return total
	}
	converted := make([]utils.Message, len(messages))
	for i, m := range messages {
		converted[i] = utils.Message{Role: m.Role, Content: m.Content}
	}
	return a.Counter.CountMessages(converted)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[...truncated]"
}
