package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/contract"
)

// PaperRef is one completed paper offered to Tier 3. Tier 3 never sees
// brainstorm databases, only papers.
type PaperRef struct {
	ID       string
	Title    string
	Abstract string
}

type certaintyReply struct {
	AnswerLevel  string   `json:"answer_level" jsonschema:"enum=full_answer,enum=partial_answer,enum=no_answer_known,enum=other"`
	Certainties  string   `json:"certainties" jsonschema:"description=Summary of what is known with confidence"`
	ExpandPapers []string `json:"expand_papers" jsonschema:"description=IDs of papers whose full content is needed"`
}

var certaintySchema = &contract.Schema{
	Name: "certainty_assessment",
	Fields: []contract.Field{
		{Name: "answer_level", Kind: contract.KindString, Required: true,
			Enum: []string{"full_answer", "partial_answer", "no_answer_known", "other"}},
		{Name: "certainties", Kind: contract.KindString, Required: true},
		{Name: "expand_papers", Kind: contract.KindArray},
	},
}

// CertaintyAssessor scans paper abstracts, optionally requests full
// content for specific papers, and classifies the achievable answer
// level.
type CertaintyAssessor struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// CertaintyAssessment is the assessor's verdict.
type CertaintyAssessment struct {
	Level        AnswerLevel
	Certainties  string
	ExpandPapers []string
}

// Assess classifies the answer level from abstracts; expanded holds the
// full content of previously requested papers, empty on the first pass.
func (ca *CertaintyAssessor) Assess(ctx context.Context, taskID, researchPrompt string, papers []PaperRef, expanded string) (*CertaintyAssessment, error) {
	schemaText, err := contract.Render(&certaintyReply{})
	if err != nil {
		return nil, err
	}

	result, err := ca.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       ca.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: ca.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Paper Abstracts", Content: formatAbstracts(papers)},
			{Name: "Expanded Papers", Content: expanded},
		},
		AvailableInput: ca.AvailableInput(),
		SizeClass:      ca.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := ca.CompleteJSON(ctx, taskID, result.Prompt, certaintySchema)
	if err != nil {
		return nil, err
	}

	assessment := &CertaintyAssessment{
		Level:       AnswerLevel(contract.GetString(obj, "answer_level")),
		Certainties: contract.GetString(obj, "certainties"),
	}
	if arr, ok := obj["expand_papers"].([]any); ok {
		for _, v := range arr {
			if id, ok := v.(string); ok && id != "" {
				assessment.ExpandPapers = append(assessment.ExpandPapers, id)
			}
		}
	}
	return assessment, nil
}

func formatAbstracts(papers []PaperRef) string {
	var sb strings.Builder
	for _, p := range papers {
		fmt.Fprintf(&sb, "Paper %s: %s\nAbstract: %s\n\n", p.ID, p.Title, p.Abstract)
	}
	return sb.String()
}

type formatReply struct {
	Format    string `json:"format" jsonschema:"enum=short_form,enum=long_form"`
	Reasoning string `json:"reasoning"`
}

var formatSchema = &contract.Schema{
	Name: "format_selection",
	Fields: []contract.Field{
		{Name: "format", Kind: contract.KindString, Required: true, Enum: []string{"short_form", "long_form"}},
		{Name: "reasoning", Kind: contract.KindString},
	},
}

// FormatSelector chooses between a single paper and a volume.
type FormatSelector struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// Select picks the answer format.
func (fs *FormatSelector) Select(ctx context.Context, taskID, researchPrompt string, papers []PaperRef, certainties string) (AnswerFormat, string, error) {
	schemaText, err := contract.Render(&formatReply{})
	if err != nil {
		return "", "", err
	}

	result, err := fs.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       fs.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: fs.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Known Certainties", Content: certainties},
			{Name: "Paper Abstracts", Content: formatAbstracts(papers)},
		},
		AvailableInput: fs.AvailableInput(),
		SizeClass:      fs.ChunkSize,
	})
	if err != nil {
		return "", "", err
	}

	obj, err := fs.CompleteJSON(ctx, taskID, result.Prompt, formatSchema)
	if err != nil {
		return "", "", err
	}
	return AnswerFormat(contract.GetString(obj, "format")), contract.GetString(obj, "reasoning"), nil
}

type chapterReply struct {
	Kind  string `json:"kind" jsonschema:"enum=existing_paper,enum=gap_paper"`
	Ref   string `json:"ref" jsonschema:"description=Paper id for existing_paper chapters"`
	Title string `json:"title"`
}

type volumeReply struct {
	Introduction    string         `json:"introduction"`
	Chapters        []chapterReply `json:"chapters"`
	Conclusion      string         `json:"conclusion"`
	OutlineComplete bool           `json:"outline_complete"`
	Reasoning       string         `json:"reasoning"`
}

var volumeSchema = &contract.Schema{
	Name: "volume_plan",
	Fields: []contract.Field{
		{Name: "introduction", Kind: contract.KindString, Required: true},
		{Name: "chapters", Kind: contract.KindArray, Required: true},
		{Name: "conclusion", Kind: contract.KindString, Required: true},
		{Name: "outline_complete", Kind: contract.KindBool},
		{Name: "reasoning", Kind: contract.KindString},
	},
}

// VolumeOrganizer builds the long-form chapter plan mixing existing
// papers and gap placeholders. The coordinator iterates until a
// validator accepts and the organizer marks the plan complete, capped at
// MaxOutlineIterations.
type VolumeOrganizer struct {
	Agent
	ChunkSize    int
	SystemPrompt string
}

// Propose produces the next volume plan revision; feedback carries the
// validator's last verdict.
func (vo *VolumeOrganizer) Propose(ctx context.Context, taskID, researchPrompt string, papers []PaperRef, feedback string) (*VolumePlan, error) {
	schemaText, err := contract.Render(&volumeReply{})
	if err != nil {
		return nil, err
	}

	result, err := vo.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       vo.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: vo.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Validator Feedback", Content: feedback},
			{Name: "Paper Abstracts", Content: formatAbstracts(papers)},
		},
		AvailableInput: vo.AvailableInput(),
		SizeClass:      vo.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := vo.CompleteJSON(ctx, taskID, result.Prompt, volumeSchema)
	if err != nil {
		return nil, err
	}

	plan := &VolumePlan{
		Introduction: contract.GetString(obj, "introduction"),
		Conclusion:   contract.GetString(obj, "conclusion"),
		Complete:     contract.GetBool(obj, "outline_complete"),
		Reasoning:    contract.GetString(obj, "reasoning"),
	}
	if arr, ok := obj["chapters"].([]any); ok {
		for _, v := range arr {
			ch, ok := v.(map[string]any)
			if !ok {
				continue
			}
			plan.Chapters = append(plan.Chapters, Chapter{
				Kind:  ChapterKind(contract.GetString(ch, "kind")),
				Ref:   contract.GetString(ch, "ref"),
				Title: contract.GetString(ch, "title"),
			})
		}
	}
	return plan, nil
}

// ValidateVolumePlan is the organizer-side validator verdict on a plan.
func (vo *VolumeOrganizer) ValidateVolumePlan(ctx context.Context, taskID, researchPrompt string, plan *VolumePlan) (bool, string, error) {
	schemaText, err := contract.Render(&approvalReply{})
	if err != nil {
		return false, "", err
	}

	var rendered strings.Builder
	fmt.Fprintf(&rendered, "Introduction: %s\n", plan.Introduction)
	for i, ch := range plan.Chapters {
		fmt.Fprintf(&rendered, "Chapter %d [%s]: %s (%s)\n", i+1, ch.Kind, ch.Title, ch.Ref)
	}
	fmt.Fprintf(&rendered, "Conclusion: %s\n", plan.Conclusion)

	result, err := vo.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       vo.RoleID,
		UserPrompt:   researchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: "Validate this volume chapter plan: ordered, complete, no redundant chapters, gaps clearly named.",
		Optional: []allocator.Slot{
			{Name: "Proposed Volume Plan", Content: rendered.String()},
		},
		AvailableInput: vo.AvailableInput(),
		SizeClass:      vo.ChunkSize,
	})
	if err != nil {
		return false, "", err
	}

	obj, err := vo.CompleteJSON(ctx, taskID, result.Prompt, approvalSchema)
	if err != nil {
		return false, "", err
	}
	return contract.GetString(obj, "decision") == "accept", contract.GetString(obj, "reasoning"), nil
}
