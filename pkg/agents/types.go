// Package agents implements the pipeline's LLM-facing roles: Tier-1
// submitters and validators, the Tier-2 compiler family, and the Tier-3
// final-answer agents. Agents never fail across the scheduler: every
// submission attempt resolves to a ValidationResult.
package agents

import (
	"time"

	"github.com/google/uuid"
)

// Decision is a validator verdict.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Submission is one candidate emitted by a submitter; consumed once by a
// validator.
type Submission struct {
	ID            string
	SubmitterID   string
	Content       string
	Reasoning     string
	Timestamp     time.Time
	ChunkSizeUsed int
	IsDecline     bool
}

// NewSubmission stamps identity and time on a submitter's output.
func NewSubmission(submitterID string, chunkSize int) *Submission {
	return &Submission{
		ID:            uuid.NewString(),
		SubmitterID:   submitterID,
		Timestamp:     time.Now().UTC(),
		ChunkSizeUsed: chunkSize,
	}
}

// ValidationResult is the validator's verdict on one submission.
type ValidationResult struct {
	SubmissionID             string
	Decision                 Decision
	Reasoning                string
	Summary                  string
	JSONValid                bool
	ContradictionCheckPassed bool

	// Compiler-validator fields.
	CoherenceCheck  bool
	RigorCheck      bool
	PlacementCheck  bool
	ValidationStage string
}

// RejectResult builds the synthetic rejection agents emit when an
// attempt fails for any unclassified reason, so the coordinator loop
// always proceeds.
func RejectResult(submissionID, reasoning string) *ValidationResult {
	return &ValidationResult{
		SubmissionID: submissionID,
		Decision:     DecisionReject,
		Reasoning:    reasoning,
		Summary:      reasoning,
		JSONValid:    false,
	}
}

// EditOperation is a Tier-2 per-turn paper operation.
type EditOperation string

const (
	OpFullContent EditOperation = "full_content"
	OpReplace     EditOperation = "replace"
	OpInsertAfter EditOperation = "insert_after"
	OpDelete      EditOperation = "delete"
)

// CompilerEdit is one proposed change to the paper or outline.
type CompilerEdit struct {
	Operation EditOperation
	Content   string
	OldString string
	Reasoning string

	// MoreEditsNeeded drives the partial-revision loop; OutlineComplete
	// locks the outline in the outline-create loop.
	MoreEditsNeeded bool
	OutlineComplete bool
}

// RevisionAction is the submitter's post-critique decision.
type RevisionAction string

const (
	RevisionContinue     RevisionAction = "continue"
	RevisionPartial      RevisionAction = "partial_revision"
	RevisionTotalRewrite RevisionAction = "total_rewrite"
)

// AnswerLevel is the Tier-3 certainty classification.
type AnswerLevel string

const (
	AnswerFull    AnswerLevel = "full_answer"
	AnswerPartial AnswerLevel = "partial_answer"
	AnswerNone    AnswerLevel = "no_answer_known"
	AnswerOther   AnswerLevel = "other"
)

// AnswerFormat selects single-paper vs. volume output.
type AnswerFormat string

const (
	FormatShort AnswerFormat = "short_form"
	FormatLong  AnswerFormat = "long_form"
)

// ChapterKind distinguishes existing papers from gaps in a volume plan.
type ChapterKind string

const (
	ChapterExistingPaper ChapterKind = "existing_paper"
	ChapterGapPaper      ChapterKind = "gap_paper"
)

// Chapter is one slot in a volume plan.
type Chapter struct {
	Kind  ChapterKind
	Ref   string // paper id for existing_paper
	Title string
}

// VolumePlan is the organizer's ordered chapter list: introduction,
// body chapters, conclusion.
type VolumePlan struct {
	Introduction string
	Chapters     []Chapter
	Conclusion   string
	Complete     bool
	Reasoning    string
}
