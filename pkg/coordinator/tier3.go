package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/store"
)

// maxCertaintyPasses bounds the abstract-scan / expansion cycle.
const maxCertaintyPasses = 3

// runTier3 synthesizes the final answer from completed papers only:
// certainty assessment, format selection, and for long form the volume
// organization loop.
func (c *Coordinator) runTier3(ctx context.Context) error {
	slog.Info("Tier 3: final answer")

	if err := c.workflow.Transition(func(s *store.WorkflowState) {
		s.IsRunning = true
		s.CurrentTier = store.TierFinalAnswer
		s.Tier3Active = true
	}); err != nil {
		return err
	}

	papers := c.completedPapers()
	if len(papers) == 0 {
		return fmt.Errorf("tier 3 requires at least one completed paper")
	}

	// Phase 1: certainty assessment, expanding specific papers on
	// request.
	var assessment *agents.CertaintyAssessment
	expanded := ""
	for pass := 0; pass < maxCertaintyPasses; pass++ {
		var err error
		assessment, err = c.assessor.Assess(ctx, "certainty", c.researchPrompt, papers, expanded)
		if err != nil {
			return err
		}
		if len(assessment.ExpandPapers) == 0 {
			break
		}
		expanded = c.expandPapers(assessment.ExpandPapers)
	}
	slog.Info("Certainty assessment",
		"level", string(assessment.Level),
		"papers", len(papers))

	// Phase 2: format selection.
	format, reasoning, err := c.formatSelector.Select(ctx, "format", c.researchPrompt, papers, assessment.Certainties)
	if err != nil {
		return err
	}
	slog.Info("Answer format selected", "format", string(format), "reasoning", truncateSummary(reasoning))

	if format != agents.FormatLong {
		return nil
	}

	// Phase 3: volume organization, iterating until the validator
	// accepts and the organizer marks the plan complete.
	return c.runVolumeOrganization(ctx, papers)
}

// completedPapers returns the Tier-3 input set. On resume the in-memory
// registry may be empty; the compiled paper is reloaded from disk.
func (c *Coordinator) completedPapers() []agents.PaperRef {
	if len(c.papers) > 0 {
		return c.papers
	}

	content, err := c.paper.Content()
	if err != nil || strings.TrimSpace(content) == "" {
		return nil
	}
	state := c.workflow.State()
	paperID := state.CurrentPaperID
	if paperID == "" {
		paperID = "paper-1"
	}
	c.registerPaper(paperID, content)
	return c.papers
}

// expandPapers loads full content for the requested papers.
func (c *Coordinator) expandPapers(ids []string) string {
	var sb strings.Builder
	for _, id := range ids {
		for _, ref := range c.papers {
			if ref.ID != id {
				continue
			}
			content, err := c.paper.Content()
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "Full content of paper %s:\n%s\n\n", id, content)
		}
	}
	return sb.String()
}

// runVolumeOrganization iterates plan proposals until accepted and
// complete, capped at MaxOutlineIterations after which completion is
// forced.
func (c *Coordinator) runVolumeOrganization(ctx context.Context, papers []agents.PaperRef) error {
	feedback := ""
	var lastPlan *agents.VolumePlan

	for i := 0; i < c.cfg.Workflow.MaxOutlineIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		plan, err := c.organizer.Propose(ctx, "volume", c.researchPrompt, papers, feedback)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}
		lastPlan = plan

		accepted, reasoning, err := c.organizer.ValidateVolumePlan(ctx, "volume-validate", c.researchPrompt, plan)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}
		if !accepted {
			feedback = reasoning
			continue
		}
		if plan.Complete {
			return c.persistVolumePlan(plan)
		}
		feedback = "The plan was accepted but not marked complete. Finalize it."
	}

	// Iteration cap: force completion with the last plan.
	slog.Warn("Volume organization cap reached; forcing completion")
	if lastPlan != nil {
		return c.persistVolumePlan(lastPlan)
	}
	return nil
}

func (c *Coordinator) persistVolumePlan(plan *agents.VolumePlan) error {
	var sb strings.Builder
	sb.WriteString("Introduction\n" + plan.Introduction + "\n\n")
	for i, ch := range plan.Chapters {
		fmt.Fprintf(&sb, "Chapter %d [%s] %s", i+1, ch.Kind, ch.Title)
		if ch.Ref != "" {
			fmt.Fprintf(&sb, " (paper %s)", ch.Ref)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nConclusion\n" + plan.Conclusion + "\n")

	path := c.session.Path("volume_plan.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	slog.Info("Volume plan persisted", "path", path, "chapters", len(plan.Chapters))
	return nil
}
