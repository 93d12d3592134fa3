package coordinator

import "github.com/intrafere/moto/pkg/store"

// Prompt templates are opaque to the orchestration substrate; these are
// minimal working defaults an embedding application may replace.
const (
	promptSubmitter = "You are a research submitter. Contribute one new, verifiable insight " +
		"that advances the research goal. Set is_decline when you have nothing new to add."

	promptValidator = "You are a research validator. Accept a submission only when it is " +
		"accurate, non-redundant against the shared training, and advances the research goal. " +
		"On rejection, write a summary the submitter can learn from."

	promptCleanup = "You review the accepted submissions for redundancy. Name at most one " +
		"entry whose removal loses no unique knowledge, or 0 when every entry carries unique value."

	promptCompletionReview = "Assess whether the shared training now holds enough validated " +
		"material to write a paper on this topic, or whether aggregation should continue."

	promptCompilerValidator = "You validate edits to a research paper."

	promptOutlineCreate = "Draft or refine the paper outline. Review your last accepted " +
		"outline in the history; set outline_complete only when the structure is ready to write against."

	promptCritic = "You are a peer reviewer. Critique the paper's argument, evidence, and " +
		"structure. Decline when no substantive critique remains."

	promptCertainty = "Scan the paper abstracts and classify how completely the research " +
		"question can be answered. Request full content of specific papers when abstracts are insufficient."

	promptFormatSelect = "Choose the final answer format: short_form when one paper answers " +
		"the question, long_form when a multi-chapter volume is needed."

	promptVolumeOrganize = "Build an ordered chapter plan for the volume: introduction, body " +
		"chapters mixing existing papers and clearly-titled gap papers, conclusion. Set " +
		"outline_complete when the plan is final."
)

var phasePrompts = map[store.PaperPhase]string{
	store.PhaseBody: "Write the paper body from the outline and shared training. Propose one " +
		"operation per turn: full_content to start, then replace/insert_after/delete to refine.",
	store.PhaseConclusion: "Write the conclusion. It will replace the conclusion placeholder, " +
		"so produce the complete section as content.",
	store.PhaseIntroduction: "Write the introduction. It will replace the introduction " +
		"placeholder, so produce the complete section as content.",
	store.PhaseAbstract: "Write the abstract summarizing the finished paper. It will replace " +
		"the abstract placeholder.",
}
