package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/metrics"
	"github.com/intrafere/moto/pkg/store"
)

// runTier2 compiles the paper: outline-create loop, then the phases
// body, conclusion, introduction, abstract in strict order, with the
// critique subphase after body and rigor/review passes at the end.
func (c *Coordinator) runTier2(ctx context.Context) error {
	state := c.workflow.State()

	paperID := state.CurrentPaperID
	if paperID == "" {
		paperID = "paper-" + uuid.NewString()[:8]
	}
	phase := state.PaperPhase
	if phase == "" {
		phase = store.PhaseBody
	}

	slog.Info("Tier 2: paper compilation", "paper", paperID, "phase", string(phase))

	if err := c.workflow.Transition(func(s *store.WorkflowState) {
		s.IsRunning = true
		s.CurrentTier = store.TierCompilation
		s.CurrentPaperID = paperID
		s.PaperPhase = phase
	}); err != nil {
		return err
	}

	// Outline refinement happens once, before the first phase.
	if phase == store.PhaseBody {
		if outlineText, _ := c.outline.Content(); outlineText == "" {
			if err := c.runOutlineCreate(ctx, paperID); err != nil {
				return err
			}
		}
	}

	for phase != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.runPhase(ctx, paperID, phase); err != nil {
			return err
		}

		if phase == store.PhaseBody {
			if err := c.runCritiqueSubphase(ctx, paperID); err != nil {
				return err
			}
		}

		phase = store.NextPhase(phase)
		if err := c.workflow.Transition(func(s *store.WorkflowState) {
			s.PaperPhase = phase
		}); err != nil {
			return err
		}
	}

	// Post-compilation low-context passes. The review agent gets no
	// Tier-1 data.
	if err := c.runEditorialPass(ctx, paperID, c.rigor, true); err != nil {
		return err
	}
	if err := c.runEditorialPass(ctx, paperID, c.review, false); err != nil {
		return err
	}

	content, err := c.paper.Content()
	if err != nil {
		return err
	}
	c.registerPaper(paperID, content)

	if err := c.session.UpdateStats(func(st *store.Stats) { st.PapersComplete++ }); err != nil {
		return err
	}
	return c.workflow.Transition(func(s *store.WorkflowState) {
		s.PapersCompletedCount++
		s.CurrentPaperID = ""
		s.PaperPhase = ""
	})
}

// runOutlineCreate iterates outline proposals with validator feedback
// until the submitter locks the outline or the iteration cap forces it.
func (c *Coordinator) runOutlineCreate(ctx context.Context, paperID string) error {
	taskID := "outline-" + paperID

	for i := 0; i < c.cfg.Workflow.MaxOutlineIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		proposal, err := c.outlineCreator.Propose(ctx, taskID, c.researchPrompt, c.training.Render(), c.outline.FormatFeedback())
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}

		accepted, reasoning, err := c.organizerStyleValidate(ctx, taskID, proposal.Outline)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}

		if !accepted {
			if err := c.outline.RecordFeedback("reject", reasoning, ""); err != nil {
				return err
			}
			continue
		}

		if err := c.outline.Write(proposal.Outline); err != nil {
			return err
		}
		if err := c.outline.RecordFeedback("accept", reasoning, proposal.Outline); err != nil {
			return err
		}

		if proposal.Complete {
			slog.Info("Outline locked", "paper", paperID, "iterations", i+1)
			return c.outline.ClearFeedback()
		}
	}

	slog.Warn("Outline iteration cap reached; locking current outline", "paper", paperID)
	return c.outline.ClearFeedback()
}

// organizerStyleValidate reuses the compiler validator for a simple
// accept/reject verdict on an outline draft.
func (c *Coordinator) organizerStyleValidate(ctx context.Context, taskID, outlineText string) (bool, string, error) {
	verdict, err := c.compilerValidator.Validate(ctx, agents.CompileContext{
		TaskID:         taskID,
		ResearchPrompt: c.researchPrompt,
		Paper:          "",
		Outline:        outlineText,
		SharedTraining: c.training.Render(),
	}, &agents.CompilerEdit{Operation: agents.OpFullContent, Content: outlineText}, taskID)
	if err != nil {
		return false, "", err
	}
	return verdict.Decision == agents.DecisionAccept, verdict.Summary, nil
}

// runPhase runs the acceptance loop for one compilation phase.
func (c *Coordinator) runPhase(ctx context.Context, paperID string, phase store.PaperPhase) error {
	taskID := fmt.Sprintf("t2-%s-%s", paperID, phase)

	// A restart mid-phase may have left the markers damaged.
	if _, err := c.paper.EnsureMarkersIntact(); err != nil {
		return err
	}

	for attempt := 0; attempt < c.cfg.Workflow.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		paperText, err := c.paper.Content()
		if err != nil {
			return err
		}
		outlineText, err := c.outline.Content()
		if err != nil {
			return err
		}

		cc := agents.CompileContext{
			TaskID:         taskID,
			ResearchPrompt: c.researchPrompt,
			Paper:          paperText,
			Outline:        outlineText,
			SharedTraining: c.training.Render(),
			RejectionLog:   c.rejectionsLog.FormatForContext("Recent compiler rejections"),
		}

		edit, err := c.compiler.ProposeEdit(ctx, phase, cc)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			_ = c.rejectionsLog.Record(string(phase), fmt.Sprintf("attempt failed: %v", err))
			continue
		}

		verdict, err := c.compilerValidator.Validate(ctx, cc, edit, taskID)
		if err != nil {
			var fatal error
			verdict, fatal = c.attemptOutcome(taskID, err)
			if fatal != nil {
				return fatal
			}
		}

		if verdict.Decision != agents.DecisionAccept {
			metrics.Decisions.WithLabelValues("2", "reject").Inc()
			_ = c.rejectionsLog.Record(string(phase), verdict.Summary)
			continue
		}

		if err := c.applyPhaseEdit(phase, edit); err != nil {
			_ = c.rejectionsLog.Record(string(phase), err.Error())
			continue
		}

		metrics.Decisions.WithLabelValues("2", "accept").Inc()
		_ = c.acceptancesLog.Record(string(phase), truncateSummary(edit.Reasoning))

		// Body keeps iterating until the submitter stops asking for more
		// edits; the placeholder phases complete on first acceptance.
		if phase != store.PhaseBody || !edit.MoreEditsNeeded {
			return nil
		}
		attempt = -1 // accepted body edit resets the retry budget
	}

	slog.Warn("Phase retry budget exhausted; forcing completion", "phase", string(phase))
	return nil
}

// applyPhaseEdit routes an accepted edit into the paper store. Body
// edits operate on the raw document; the other phases replace their
// placeholder exactly once.
func (c *Coordinator) applyPhaseEdit(phase store.PaperPhase, edit *agents.CompilerEdit) error {
	switch phase {
	case store.PhaseBody:
		current, err := c.paper.Content()
		if err != nil {
			return err
		}
		if current == "" && edit.Operation == agents.OpFullContent {
			return c.paper.InitializeSkeleton(edit.Content)
		}
		updated, err := agents.ApplyEdit(current, edit)
		if err != nil {
			return err
		}
		return c.paper.Write(updated)
	case store.PhaseConclusion:
		return c.paper.ReplacePlaceholder(store.SectionConclusion, edit.Content)
	case store.PhaseIntroduction:
		return c.paper.ReplacePlaceholder(store.SectionIntroduction, edit.Content)
	case store.PhaseAbstract:
		return c.paper.ReplacePlaceholder(store.SectionAbstract, edit.Content)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

// runCritiqueSubphase collects critique attempts after the body is
// complete, then routes the submitter's revision decision.
func (c *Coordinator) runCritiqueSubphase(ctx context.Context, paperID string) error {
	taskID := "critique-" + paperID
	paperText, err := c.paper.Content()
	if err != nil {
		return err
	}

	var accepted []string
	for attempt := 0; attempt < c.cfg.Workflow.MaxCritiqueAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		critique, declined, err := c.critic.Critique(ctx, taskID, c.researchPrompt, paperText)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}
		if declined || strings.TrimSpace(critique) == "" {
			continue
		}
		accepted = append(accepted, critique)
	}

	if len(accepted) == 0 {
		slog.Info("No substantive critiques; continuing", "paper", paperID)
		return nil
	}

	critiques := strings.Join(accepted, "\n\n---\n\n")
	action, reasoning, err := c.critic.DecideRevision(ctx, taskID, c.researchPrompt, paperText, critiques)
	if err != nil {
		if _, fatal := c.attemptOutcome("", err); fatal != nil {
			return fatal
		}
		return nil
	}

	slog.Info("Revision decision", "action", string(action), "reasoning", truncateSummary(reasoning))
	switch action {
	case agents.RevisionPartial:
		return c.runRevisionLoop(ctx, paperID, critiques)
	case agents.RevisionTotalRewrite:
		return c.runTotalRewrite(ctx, paperID, critiques)
	default:
		return nil
	}
}

// runRevisionLoop is the iterative edit loop: one edit per turn, each
// validated and applied, the updated paper shown back, until the agent
// asserts more_edits_needed=false or the retry budget runs out.
func (c *Coordinator) runRevisionLoop(ctx context.Context, paperID, critiques string) error {
	taskID := "revision-" + paperID

	for attempt := 0; attempt < c.cfg.Workflow.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		paperText, err := c.paper.Content()
		if err != nil {
			return err
		}
		outlineText, err := c.outline.Content()
		if err != nil {
			return err
		}

		cc := agents.CompileContext{
			TaskID:         taskID,
			ResearchPrompt: c.researchPrompt,
			Paper:          paperText,
			Outline:        outlineText,
			Guidance:       critiques,
			SharedTraining: c.training.Render(),
		}

		edit, err := c.compiler.ProposeEdit(ctx, store.PhaseBody, cc)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}

		verdict, err := c.compilerValidator.Validate(ctx, cc, edit, taskID)
		if err != nil {
			var fatal error
			verdict, fatal = c.attemptOutcome(taskID, err)
			if fatal != nil {
				return fatal
			}
		}
		if verdict.Decision != agents.DecisionAccept {
			_ = c.rejectionsLog.Record("revision", verdict.Summary)
			continue
		}

		updated, err := agents.ApplyEdit(paperText, edit)
		if err != nil {
			_ = c.rejectionsLog.Record("revision", err.Error())
			continue
		}
		if err := c.paper.Write(updated); err != nil {
			return err
		}
		_ = c.acceptancesLog.Record("revision", truncateSummary(edit.Reasoning))

		if !edit.MoreEditsNeeded {
			return nil
		}
	}

	slog.Warn("Revision loop retry budget exhausted", "paper", paperID)
	return nil
}

// runTotalRewrite archives the current body and rebuilds the paper from
// a single full_content submission.
func (c *Coordinator) runTotalRewrite(ctx context.Context, paperID, critiques string) error {
	paperText, err := c.paper.Content()
	if err != nil {
		return err
	}

	c.paperVersion++
	archive := c.session.PaperVersionPath(c.paperVersion)
	if err := os.WriteFile(archive, []byte(paperText), 0o644); err != nil {
		return err
	}
	slog.Info("Archived paper version before rewrite", "path", archive)

	outlineText, err := c.outline.Content()
	if err != nil {
		return err
	}

	cc := agents.CompileContext{
		TaskID:         "rewrite-" + paperID,
		ResearchPrompt: c.researchPrompt,
		Paper:          paperText,
		Outline:        outlineText,
		Guidance:       critiques,
		SharedTraining: c.training.Render(),
	}

	for attempt := 0; attempt < c.cfg.Workflow.MaxRetries; attempt++ {
		edit, err := c.compiler.ProposeEdit(ctx, store.PhaseBody, cc)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}
		if edit.Operation != agents.OpFullContent {
			_ = c.rejectionsLog.Record("rewrite", "total rewrite requires full_content")
			continue
		}

		verdict, err := c.compilerValidator.Validate(ctx, cc, edit, cc.TaskID)
		if err != nil {
			var fatal error
			verdict, fatal = c.attemptOutcome(cc.TaskID, err)
			if fatal != nil {
				return fatal
			}
		}
		if verdict.Decision != agents.DecisionAccept {
			_ = c.rejectionsLog.Record("rewrite", verdict.Summary)
			continue
		}
		return c.paper.Write(edit.Content)
	}

	slog.Warn("Total rewrite retry budget exhausted; keeping current body", "paper", paperID)
	return nil
}

// runEditorialPass runs one low-context agent over the finished paper,
// applying at most MaxRetries accepted edits. withTraining gates access
// to Tier-1 data.
func (c *Coordinator) runEditorialPass(ctx context.Context, paperID string, agent *agents.CompilerSubmitter, withTraining bool) error {
	taskID := fmt.Sprintf("editorial-%s-%s", agent.RoleID, paperID)

	for attempt := 0; attempt < c.cfg.Workflow.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		paperText, err := c.paper.Content()
		if err != nil {
			return err
		}

		cc := agents.CompileContext{
			TaskID:         taskID,
			ResearchPrompt: c.researchPrompt,
			Paper:          paperText,
		}
		if withTraining {
			cc.SharedTraining = c.training.Render()
		}

		edit, err := agent.ProposeEdit(ctx, store.PhaseBody, cc)
		if err != nil {
			if _, fatal := c.attemptOutcome("", err); fatal != nil {
				return fatal
			}
			continue
		}
		if !edit.MoreEditsNeeded && edit.Content == "" && edit.OldString == "" {
			// Nothing to change.
			return nil
		}

		verdict, err := c.compilerValidator.Validate(ctx, cc, edit, taskID)
		if err != nil {
			var fatal error
			verdict, fatal = c.attemptOutcome(taskID, err)
			if fatal != nil {
				return fatal
			}
		}
		if verdict.Decision != agents.DecisionAccept {
			_ = c.rejectionsLog.Record(agent.RoleID, verdict.Summary)
			continue
		}

		updated, err := agents.ApplyEdit(paperText, edit)
		if err != nil {
			_ = c.rejectionsLog.Record(agent.RoleID, err.Error())
			continue
		}
		if err := c.paper.Write(updated); err != nil {
			return err
		}
		_ = c.acceptancesLog.Record(agent.RoleID, truncateSummary(edit.Reasoning))

		if !edit.MoreEditsNeeded {
			return nil
		}
	}
	return nil
}

func truncateSummary(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max]
}
