package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/contract"
	"github.com/intrafere/moto/pkg/store"
)

// PlacementMatchFailure is the pre-validation failure on compiler
// edits: old_string must occur exactly once, verbatim, in the document.
type PlacementMatchFailure struct {
	OldString  string
	CountFound int
}

func (e *PlacementMatchFailure) Error() string {
	return fmt.Sprintf("Exact String Match failed: old_string found %d times, expected exactly 1 (include more surrounding context to make the match unique)", e.CountFound)
}

// PrevalidatePlacement checks that oldString occurs exactly once in the
// document.
func PrevalidatePlacement(document, oldString string) error {
	if oldString == "" {
		return &PlacementMatchFailure{OldString: oldString, CountFound: 0}
	}
	if n := strings.Count(document, oldString); n != 1 {
		return &PlacementMatchFailure{OldString: oldString, CountFound: n}
	}
	return nil
}

// ApplyEdit applies a compiler edit to the document. Placement
// pre-validation must already have passed for the anchored operations.
func ApplyEdit(document string, edit *CompilerEdit) (string, error) {
	switch edit.Operation {
	case OpFullContent:
		return edit.Content, nil
	case OpReplace:
		if err := PrevalidatePlacement(document, edit.OldString); err != nil {
			return "", err
		}
		return strings.Replace(document, edit.OldString, edit.Content, 1), nil
	case OpInsertAfter:
		if err := PrevalidatePlacement(document, edit.OldString); err != nil {
			return "", err
		}
		idx := strings.Index(document, edit.OldString) + len(edit.OldString)
		return document[:idx] + "\n" + edit.Content + document[idx:], nil
	case OpDelete:
		if err := PrevalidatePlacement(document, edit.OldString); err != nil {
			return "", err
		}
		return strings.Replace(document, edit.OldString, "", 1), nil
	default:
		return "", fmt.Errorf("unknown edit operation %q", edit.Operation)
	}
}

type compilerEditReply struct {
	Operation       string `json:"operation" jsonschema:"enum=full_content,enum=replace,enum=insert_after,enum=delete"`
	Content         string `json:"content"`
	OldString       string `json:"old_string" jsonschema:"description=Verbatim text from the document; must occur exactly once"`
	Reasoning       string `json:"reasoning"`
	MoreEditsNeeded bool   `json:"more_edits_needed"`
}

var compilerEditSchema = &contract.Schema{
	Name: "compiler_edit",
	Fields: []contract.Field{
		{Name: "operation", Kind: contract.KindString, Required: true,
			Enum: []string{"full_content", "replace", "insert_after", "delete"}},
		{Name: "content", Kind: contract.KindString},
		{Name: "old_string", Kind: contract.KindString},
		{Name: "reasoning", Kind: contract.KindString},
		{Name: "more_edits_needed", Kind: contract.KindBool},
	},
}

// CompilerSubmitter is the Tier-2 high-context writer. It iterates the
// phases body, conclusion, introduction, abstract, proposing one
// operation per turn.
type CompilerSubmitter struct {
	Agent
	ChunkSize    int
	PhasePrompts map[store.PaperPhase]string
}

// CompileContext carries the slot contents for one compiler turn.
type CompileContext struct {
	TaskID         string
	ResearchPrompt string
	Paper          string
	Outline        string
	SharedTraining string
	RejectionLog   string
	Guidance       string // critique text during revision, empty otherwise
}

// ProposeEdit asks for the next operation in the given phase.
func (cs *CompilerSubmitter) ProposeEdit(ctx context.Context, phase store.PaperPhase, cc CompileContext) (*CompilerEdit, error) {
	schemaText, err := contract.Render(&compilerEditReply{})
	if err != nil {
		return nil, err
	}

	system := cs.PhasePrompts[phase]
	if system == "" {
		system = fmt.Sprintf("Write the %s of the research paper. Propose exactly one operation.", phase)
	}

	result, err := cs.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       cs.RoleID,
		UserPrompt:   cc.ResearchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: system,
		Optional: []allocator.Slot{
			{Name: "Current Paper", Content: cc.Paper},
			{Name: "Outline", Content: cc.Outline},
			{Name: "Revision Guidance", Content: cc.Guidance},
			{Name: "Shared Training", Content: cc.SharedTraining},
			{Name: "Your Recent Rejections", Content: cc.RejectionLog},
		},
		AvailableInput: cs.AvailableInput(),
		SizeClass:      cs.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := cs.CompleteJSON(ctx, cc.TaskID, result.Prompt, compilerEditSchema)
	if err != nil {
		return nil, err
	}

	return &CompilerEdit{
		Operation:       EditOperation(contract.GetString(obj, "operation")),
		Content:         contract.GetString(obj, "content"),
		OldString:       contract.GetString(obj, "old_string"),
		Reasoning:       contract.GetString(obj, "reasoning"),
		MoreEditsNeeded: contract.GetBool(obj, "more_edits_needed"),
	}, nil
}

type compilerCheckReply struct {
	Decision  string `json:"decision" jsonschema:"enum=accept,enum=reject"`
	Reasoning string `json:"reasoning"`
}

var compilerCheckSchema = &contract.Schema{
	Name: "compiler_check",
	Fields: []contract.Field{
		{Name: "decision", Kind: contract.KindString, Required: true, Enum: []string{"accept", "reject"}},
		{Name: "reasoning", Kind: contract.KindString, Required: true},
	},
}

// CompilerValidator validates a compiler edit on three independent
// checks: coherence, rigor, placement. All three must pass.
type CompilerValidator struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// Validate runs placement pre-validation first; only a unique verbatim
// match reaches the LLM checks.
func (cv *CompilerValidator) Validate(ctx context.Context, cc CompileContext, edit *CompilerEdit, submissionID string) (*ValidationResult, error) {
	if edit.Operation != OpFullContent {
		if err := PrevalidatePlacement(cc.Paper, edit.OldString); err != nil {
			return &ValidationResult{
				SubmissionID:    submissionID,
				Decision:        DecisionReject,
				Reasoning:       rejectionSummary("Placement failed", err.Error(), edit.OldString, "the edit cannot be anchored unambiguously", "include more surrounding context so old_string matches exactly once"),
				Summary:         err.Error(),
				JSONValid:       true,
				PlacementCheck:  false,
				ValidationStage: "pre-validation",
			}, nil
		}
	}

	checks := []struct {
		name   string
		prompt string
	}{
		{"coherence", "Check only COHERENCE: does the edit read naturally in context and preserve the paper's flow?"},
		{"rigor", "Check only RIGOR: is the edit precise, well-supported, and free of unsupported claims?"},
		{"placement", "Check only PLACEMENT: is this the contextually appropriate location for the edit?"},
	}

	verdict := &ValidationResult{
		SubmissionID:    submissionID,
		Decision:        DecisionAccept,
		JSONValid:       true,
		CoherenceCheck:  true,
		RigorCheck:      true,
		PlacementCheck:  true,
		ValidationStage: "llm",
	}

	for _, check := range checks {
		obj, err := cv.runCheck(ctx, cc, edit, check.prompt)
		if err != nil {
			return nil, err
		}
		passed := contract.GetString(obj, "decision") == "accept"
		reasoning := contract.GetString(obj, "reasoning")

		switch check.name {
		case "coherence":
			verdict.CoherenceCheck = passed
		case "rigor":
			verdict.RigorCheck = passed
		case "placement":
			verdict.PlacementCheck = passed
		}
		if !passed {
			verdict.Decision = DecisionReject
			verdict.Reasoning = rejectionSummary("Failed "+check.name+" check", reasoning, edit.Content, reasoning, "revise the edit and resubmit")
			verdict.Summary = check.name + ": " + reasoning
			return verdict, nil
		}
	}

	verdict.Reasoning = "all checks passed"
	verdict.Summary = "accepted"
	return verdict, nil
}

func (cv *CompilerValidator) runCheck(ctx context.Context, cc CompileContext, edit *CompilerEdit, checkPrompt string) (map[string]any, error) {
	schemaText, err := contract.Render(&compilerCheckReply{})
	if err != nil {
		return nil, err
	}

	result, err := cv.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       cv.RoleID,
		UserPrompt:   cc.ResearchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: cv.SystemPrompt + "\n\n" + checkPrompt,
		Optional: []allocator.Slot{
			{Name: "Proposed Edit", Content: formatEdit(edit)},
			{Name: "Current Paper", Content: cc.Paper},
			{Name: "Outline", Content: cc.Outline},
			{Name: "Shared Training", Content: cc.SharedTraining},
		},
		AvailableInput: cv.AvailableInput(),
		SizeClass:      cv.ChunkSize,
	})
	if err != nil {
		return nil, err
	}
	return cv.CompleteJSON(ctx, cc.TaskID, result.Prompt, compilerCheckSchema)
}

func formatEdit(edit *CompilerEdit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Operation: %s\n", edit.Operation)
	if edit.OldString != "" {
		fmt.Fprintf(&sb, "Anchor (old_string):\n%s\n\n", edit.OldString)
	}
	fmt.Fprintf(&sb, "Content:\n%s\n", edit.Content)
	if edit.Reasoning != "" {
		fmt.Fprintf(&sb, "\nSubmitter reasoning: %s\n", edit.Reasoning)
	}
	return sb.String()
}

type outlineReply struct {
	Outline         string `json:"outline"`
	OutlineComplete bool   `json:"outline_complete" jsonschema:"description=True to lock the outline and begin writing"`
	Reasoning       string `json:"reasoning"`
}

var outlineSchema = &contract.Schema{
	Name: "outline",
	Fields: []contract.Field{
		{Name: "outline", Kind: contract.KindString, Required: true},
		{Name: "outline_complete", Kind: contract.KindBool},
		{Name: "reasoning", Kind: contract.KindString},
	},
}

// OutlineCreator runs the pre-compilation outline refinement loop. The
// submitter sees its previous accepted outline via the feedback log and
// decides when to lock it.
type OutlineCreator struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// OutlineProposal is one round of the outline-create loop.
type OutlineProposal struct {
	Outline   string
	Complete  bool
	Reasoning string
}

// Propose generates the next outline revision.
func (oc *OutlineCreator) Propose(ctx context.Context, taskID, researchPrompt, sharedTraining, feedback string) (*OutlineProposal, error) {
	schemaText, err := contract.Render(&outlineReply{})
	if err != nil {
		return nil, err
	}

	result, err := oc.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       oc.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: oc.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Outline Review History", Content: feedback},
			{Name: "Shared Training", Content: sharedTraining},
		},
		AvailableInput: oc.AvailableInput(),
		SizeClass:      oc.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := oc.CompleteJSON(ctx, taskID, result.Prompt, outlineSchema)
	if err != nil {
		return nil, err
	}

	return &OutlineProposal{
		Outline:   contract.GetString(obj, "outline"),
		Complete:  contract.GetBool(obj, "outline_complete"),
		Reasoning: contract.GetString(obj, "reasoning"),
	}, nil
}

type critiqueReply struct {
	Critique  string `json:"critique"`
	IsDecline bool   `json:"is_decline" jsonschema:"description=True when no substantive critique remains"`
}

var critiqueSchema = &contract.Schema{
	Name: "critique",
	Fields: []contract.Field{
		{Name: "critique", Kind: contract.KindString, Required: true},
		{Name: "is_decline", Kind: contract.KindBool},
	},
}

type revisionReply struct {
	Action    string `json:"action" jsonschema:"enum=continue,enum=partial_revision,enum=total_rewrite"`
	Reasoning string `json:"reasoning"`
}

var revisionSchema = &contract.Schema{
	Name: "revision_decision",
	Fields: []contract.Field{
		{Name: "action", Kind: contract.KindString, Required: true,
			Enum: []string{"continue", "partial_revision", "total_rewrite"}},
		{Name: "reasoning", Kind: contract.KindString},
	},
}

// Critic runs the post-body peer-review subphase: critique attempts
// against the completed body, then the submitter's revision decision.
type Critic struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// Critique produces one critique attempt of the paper body.
func (c *Critic) Critique(ctx context.Context, taskID, researchPrompt, paper string) (string, bool, error) {
	schemaText, err := contract.Render(&critiqueReply{})
	if err != nil {
		return "", false, err
	}

	result, err := c.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       c.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: c.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Paper Under Review", Content: paper},
		},
		AvailableInput: c.AvailableInput(),
		SizeClass:      c.ChunkSize,
	})
	if err != nil {
		return "", false, err
	}

	obj, err := c.CompleteJSON(ctx, taskID, result.Prompt, critiqueSchema)
	if err != nil {
		return "", false, err
	}
	return contract.GetString(obj, "critique"), contract.GetBool(obj, "is_decline"), nil
}

// DecideRevision asks the submitter what to do with the accepted
// critiques.
func (c *Critic) DecideRevision(ctx context.Context, taskID, researchPrompt, paper, critiques string) (RevisionAction, string, error) {
	schemaText, err := contract.Render(&revisionReply{})
	if err != nil {
		return "", "", err
	}

	result, err := c.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       c.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: "Decide how to respond to the accepted critiques of your paper: continue unchanged, make targeted edits, or rewrite entirely.",
		Optional: []allocator.Slot{
			{Name: "Accepted Critiques", Content: critiques},
			{Name: "Your Paper", Content: paper},
		},
		AvailableInput: c.AvailableInput(),
		SizeClass:      c.ChunkSize,
	})
	if err != nil {
		return "", "", err
	}

	obj, err := c.CompleteJSON(ctx, taskID, result.Prompt, revisionSchema)
	if err != nil {
		return "", "", err
	}
	return RevisionAction(contract.GetString(obj, "action")), contract.GetString(obj, "reasoning"), nil
}
