package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/contract"
	"github.com/intrafere/moto/pkg/store"
)

type cleanupReply struct {
	RedundantNumber float64 `json:"redundant_number" jsonschema:"description=The number of the one redundant entry to remove, 0 when none"`
	Reasoning       string  `json:"reasoning"`
}

var cleanupSchema = &contract.Schema{
	Name: "cleanup_review",
	Fields: []contract.Field{
		{Name: "redundant_number", Kind: contract.KindNumber, Required: true},
		{Name: "reasoning", Kind: contract.KindString, Required: true},
	},
}

type approvalReply struct {
	Decision  string `json:"decision" jsonschema:"enum=accept,enum=reject"`
	Reasoning string `json:"reasoning"`
}

var approvalSchema = &contract.Schema{
	Name: "removal_approval",
	Fields: []contract.Field{
		{Name: "decision", Kind: contract.KindString, Required: true, Enum: []string{"accept", "reject"}},
		{Name: "reasoning", Kind: contract.KindString},
	},
}

// CleanupReviewer periodically scans the accepted log for at most one
// redundant entry; the specific removal only proceeds when a second LLM
// pass approves it. Its allocator never skips: an oversized dump is
// offloaded to RAG rather than failing.
type CleanupReviewer struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// CleanupProposal names the single entry the reviewer wants removed.
type CleanupProposal struct {
	Number    int
	Reasoning string
	Approved  bool
}

// Review runs the two-pass cleanup: identify, then approve.
func (r *CleanupReviewer) Review(ctx context.Context, taskID, researchPrompt string, entries []store.AcceptedEntry) (*CleanupProposal, error) {
	if len(entries) < 2 {
		return nil, nil
	}

	schemaText, err := contract.Render(&cleanupReply{})
	if err != nil {
		return nil, err
	}

	dump := renderEntries(entries)
	result, err := r.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       r.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: r.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Accepted Submissions", Content: dump},
		},
		AvailableInput: r.AvailableInput(),
		SizeClass:      r.ChunkSize,
		NeverSkip:      true,
	})
	if err != nil {
		return nil, err
	}

	obj, err := r.CompleteJSON(ctx, taskID, result.Prompt, cleanupSchema)
	if err != nil {
		return nil, err
	}

	number := int(contract.GetNumber(obj, "redundant_number"))
	if number <= 0 {
		return nil, nil
	}
	if !entryExists(entries, number) {
		return nil, fmt.Errorf("cleanup review named entry #%d which does not exist", number)
	}

	proposal := &CleanupProposal{Number: number, Reasoning: contract.GetString(obj, "reasoning")}

	// Second pass: an independent approval of the specific removal.
	approveSchemaText, err := contract.Render(&approvalReply{})
	if err != nil {
		return nil, err
	}
	approvePrompt := fmt.Sprintf(
		"A cleanup review proposes removing accepted entry #%d for this reason:\n%s\n\nApprove only if removal loses no unique knowledge.",
		number, proposal.Reasoning)

	approveResult, err := r.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       r.RoleID,
		UserPrompt:   approvePrompt,
		JSONSchema:   approveSchemaText,
		SystemPrompt: r.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Accepted Submissions", Content: dump},
		},
		AvailableInput: r.AvailableInput(),
		SizeClass:      r.ChunkSize,
		NeverSkip:      true,
	})
	if err != nil {
		return nil, err
	}

	approveObj, err := r.CompleteJSON(ctx, taskID, approveResult.Prompt, approvalSchema)
	if err != nil {
		return nil, err
	}
	proposal.Approved = contract.GetString(approveObj, "decision") == "accept"
	return proposal, nil
}

func renderEntries(entries []store.AcceptedEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "Entry #%d:\n%s\n\n", e.Number, e.Content)
	}
	return sb.String()
}

func entryExists(entries []store.AcceptedEntry, number int) bool {
	for _, e := range entries {
		if e.Number == number {
			return true
		}
	}
	return false
}

type completionReply struct {
	Action    string `json:"action" jsonschema:"enum=continue,enum=write_paper"`
	Reasoning string `json:"reasoning"`
}

var completionSchema = &contract.Schema{
	Name: "completion_review",
	Fields: []contract.Field{
		{Name: "action", Kind: contract.KindString, Required: true, Enum: []string{"continue", "write_paper"}},
		{Name: "reasoning", Kind: contract.KindString, Required: true},
	},
}

type selfValidationReply struct {
	Decision      string `json:"decision" jsonschema:"enum=accept,enum=reject"`
	ConcreteError string `json:"concrete_error" jsonschema:"description=The specific factual error in the assessment, empty when accepting"`
}

var selfValidationSchema = &contract.Schema{
	Name: "self_validation",
	Fields: []contract.Field{
		{Name: "decision", Kind: contract.KindString, Required: true, Enum: []string{"accept", "reject"}},
		{Name: "concrete_error", Kind: contract.KindString},
	},
}

// CompletionReviewer decides whether a topic has enough material for a
// paper. It runs in self-validation mode: the same model re-examines
// its own assessment and keeps it unless it can name a concrete error.
type CompletionReviewer struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// CompletionAssessment is the reviewed decision.
type CompletionAssessment struct {
	WritePaper bool
	Reasoning  string
	// IsMiniscule is derived from a string search in the reasoning.
	// Record-only; it never short-circuits the decision.
	IsMiniscule bool
}

// Assess runs the assessment and its self-validation pass.
func (r *CompletionReviewer) Assess(ctx context.Context, taskID, researchPrompt, sharedTraining string) (*CompletionAssessment, error) {
	schemaText, err := contract.Render(&completionReply{})
	if err != nil {
		return nil, err
	}

	result, err := r.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       r.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: r.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Shared Training", Content: sharedTraining},
		},
		AvailableInput: r.AvailableInput(),
		SizeClass:      r.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := r.CompleteJSON(ctx, taskID, result.Prompt, completionSchema)
	if err != nil {
		return nil, err
	}

	assessment := &CompletionAssessment{
		WritePaper: contract.GetString(obj, "action") == "write_paper",
		Reasoning:  contract.GetString(obj, "reasoning"),
	}
	assessment.IsMiniscule = strings.Contains(strings.ToLower(assessment.Reasoning), "miniscule") ||
		strings.Contains(strings.ToLower(assessment.Reasoning), "minuscule")

	// Self-validation: re-examine the assessment; accept unless a
	// concrete, specific error is named.
	selfSchemaText, err := contract.Render(&selfValidationReply{})
	if err != nil {
		return nil, err
	}
	action := "continue"
	if assessment.WritePaper {
		action = "write_paper"
	}
	selfPrompt := fmt.Sprintf(
		"You previously assessed this topic and chose %q with reasoning:\n%s\n\nRe-examine your assessment. Accept it unless you can name a concrete, specific error.",
		action, assessment.Reasoning)

	selfResult, err := r.Allocator.Assemble(ctx, allocator.Request{
		RoleID:         r.RoleID,
		UserPrompt:     selfPrompt,
		JSONSchema:     selfSchemaText,
		SystemPrompt:   r.SystemPrompt,
		AvailableInput: r.AvailableInput(),
		SizeClass:      r.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	selfObj, err := r.CompleteJSON(ctx, taskID, selfResult.Prompt, selfValidationSchema)
	if err != nil {
		return nil, err
	}

	if contract.GetString(selfObj, "decision") == "reject" && contract.GetString(selfObj, "concrete_error") != "" {
		// A named error flips the decision.
		assessment.WritePaper = !assessment.WritePaper
		assessment.Reasoning += "\nSelf-validation reversed the assessment: " + contract.GetString(selfObj, "concrete_error")
	}
	return assessment, nil
}
