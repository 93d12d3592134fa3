package agents

import (
	"context"
	"strings"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/contract"
	"github.com/intrafere/moto/pkg/store"
)

type validationReply struct {
	Decision  string `json:"decision" jsonschema:"enum=accept,enum=reject"`
	Reasoning string `json:"reasoning"`
	Summary   string `json:"summary" jsonschema:"description=One-paragraph summary for the rejection log"`
}

var validationSchema = &contract.Schema{
	Name: "validation",
	Fields: []contract.Field{
		{Name: "decision", Kind: contract.KindString, Required: true, Enum: []string{"accept", "reject"}},
		{Name: "reasoning", Kind: contract.KindString, Required: true},
		{Name: "summary", Kind: contract.KindString},
	},
}

// redundancyThreshold is the token-overlap fraction above which a
// submission is rejected as a duplicate without consulting the LLM.
const redundancyThreshold = 0.9

// Validator is the Tier-1 acceptance gate: a cheap contradiction and
// redundancy heuristic first, then an LLM quality assessment.
type Validator struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// ValidateContext carries the slot contents for one validation.
type ValidateContext struct {
	TaskID         string
	ResearchPrompt string
	SharedTraining string
	UserFiles      string

	// Entries is the live accepted-entry snapshot for the heuristic
	// phase.
	Entries []store.AcceptedEntry
}

// Validate runs the two-phase check on one submission.
func (v *Validator) Validate(ctx context.Context, vc ValidateContext, sub *Submission) (*ValidationResult, error) {
	if sub.IsDecline {
		return &ValidationResult{
			SubmissionID:             sub.ID,
			Decision:                 DecisionReject,
			Reasoning:                "submitter declined to contribute",
			Summary:                  "decline",
			JSONValid:                true,
			ContradictionCheckPassed: true,
		}, nil
	}

	// Phase 1: redundancy heuristic against the accepted log.
	if dupNumber, _ := findRedundant(sub.Content, vc.Entries); dupNumber > 0 {
		return &ValidationResult{
			SubmissionID: sub.ID,
			Decision:     DecisionReject,
			Reasoning:    rejectionSummary("Redundant submission", "near-duplicate of accepted entry", sub.Content, "restates existing knowledge", "submit genuinely new material"),
			Summary:      "near-duplicate of an accepted entry",
			JSONValid:    true,
		}, nil
	}

	// Phase 2: LLM quality assessment.
	schemaText, err := contract.Render(&validationReply{})
	if err != nil {
		return nil, err
	}

	result, err := v.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       v.RoleID,
		UserPrompt:   vc.ResearchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: v.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Submission Under Review", Content: formatSubmission(sub)},
			{Name: "Shared Training", Content: vc.SharedTraining},
			{Name: "User Files", Content: vc.UserFiles},
		},
		AvailableInput: v.AvailableInput(),
		SizeClass:      v.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := v.CompleteJSON(ctx, vc.TaskID, result.Prompt, validationSchema)
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		SubmissionID:             sub.ID,
		Decision:                 Decision(contract.GetString(obj, "decision")),
		Reasoning:                contract.GetString(obj, "reasoning"),
		Summary:                  contract.GetString(obj, "summary"),
		JSONValid:                true,
		ContradictionCheckPassed: true,
	}, nil
}

// findRedundant returns the number of an accepted entry whose token
// overlap with the candidate exceeds the redundancy threshold.
func findRedundant(content string, entries []store.AcceptedEntry) (int, float64) {
	candidate := tokenSet(content)
	if len(candidate) == 0 {
		return 0, 0
	}
	for _, e := range entries {
		existing := tokenSet(e.Content)
		if len(existing) == 0 {
			continue
		}
		overlap := jaccard(candidate, existing)
		if overlap >= redundancyThreshold {
			return e.Number, overlap
		}
	}
	return 0, 0
}

func tokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(text)) {
		out[t] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func formatSubmission(sub *Submission) string {
	var sb strings.Builder
	sb.WriteString("Submitted by: " + sub.SubmitterID + "\n\n")
	sb.WriteString(sub.Content)
	if sub.Reasoning != "" {
		sb.WriteString("\n\nSubmitter reasoning: " + sub.Reasoning)
	}
	return sb.String()
}

// rejectionSummary renders the structured human-readable rejection
// block every rejection carries.
func rejectionSummary(reason, issue, submitted, why, fix string) string {
	var sb strings.Builder
	sb.WriteString("REJECTION REASON: " + reason + "\n")
	sb.WriteString("ISSUE: " + issue + "\n")
	sb.WriteString("WHAT YOU SUBMITTED: " + truncateText(submitted, 500) + "\n")
	sb.WriteString("WHY: " + why + "\n")
	sb.WriteString("FIX REQUIRED: " + fix + "\n")
	sb.WriteString("EXAMPLE: rework the submission so it adds verifiable, non-duplicated substance.")
	return sb.String()
}
