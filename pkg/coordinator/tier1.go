package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/metrics"
	"github.com/intrafere/moto/pkg/store"
)

// maxTier1Rounds bounds the aggregation loop so a pathological topic
// cannot spin forever; the completion reviewer normally ends the tier
// well before this.
const maxTier1Rounds = 200

// runTier1 drives aggregation for one topic: submitters propose,
// the validator accepts or rejects, accepted entries append to shared
// training, cleanup reviews prune redundancy, and the completion
// reviewer decides when to move to paper compilation.
func (c *Coordinator) runTier1(ctx context.Context, topicID string) error {
	slog.Info("Tier 1: aggregation", "topic", topicID)

	if err := c.workflow.Transition(func(s *store.WorkflowState) {
		s.IsRunning = true
		s.CurrentTier = store.TierAggregation
		s.CurrentTopicID = topicID
	}); err != nil {
		return err
	}

	for round := 0; round < maxTier1Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		state := c.workflow.State()

		// Early-trigger rules: sustained rejection or exhaustion invokes
		// the completion review ahead of schedule.
		trigger := state.ConsecutiveRejections >= c.cfg.Workflow.ConsecutiveRejectionLimit ||
			state.ExhaustionSignals >= c.cfg.Workflow.ExhaustionSignalLimit
		if trigger {
			done, err := c.completionReview(ctx, topicID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			// Reviewer said continue: reset the trigger counters.
			if err := c.workflow.Transition(func(s *store.WorkflowState) {
				s.ConsecutiveRejections = 0
				s.ExhaustionSignals = 0
			}); err != nil {
				return err
			}
		}

		for _, submitter := range c.submitters {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.runSubmissionAttempt(ctx, topicID, submitter); err != nil {
				return err
			}
		}

		// Periodic cleanup review every N completed acceptances.
		if s := c.workflow.State(); s.AcceptancesSinceCheck >= c.cfg.Workflow.CleanupReviewInterval {
			if err := c.cleanupReview(ctx); err != nil {
				slog.Warn("Cleanup review failed; continuing", "error", err)
			}
			if err := c.workflow.Transition(func(s *store.WorkflowState) {
				s.AcceptancesSinceCheck = 0
			}); err != nil {
				return err
			}
		}
	}

	// Forced-complete path: the round cap ends the tier rather than
	// hanging.
	slog.Warn("Tier 1 round cap reached; forcing completion", "topic", topicID)
	return nil
}

// runSubmissionAttempt runs one submit-validate-route cycle for one
// submitter. Unclassified failures become synthetic rejections.
func (c *Coordinator) runSubmissionAttempt(ctx context.Context, topicID string, submitter *agents.Submitter) error {
	taskID := fmt.Sprintf("t1-%s-s%d", topicID, submitter.ID)
	rejectionMem := c.rejections[submitter.ID]

	sub, err := submitter.Submit(ctx, agents.SubmitContext{
		TaskID:         taskID,
		ResearchPrompt: c.researchPrompt,
		SharedTraining: c.training.Render(),
		RejectionLog:   rejectionMem.FormatForContext(),
	})
	if err != nil {
		result, fatal := c.attemptOutcome("", err)
		if fatal != nil {
			return fatal
		}
		return c.routeRejection(submitter.ID, &agents.Submission{ID: result.SubmissionID}, result)
	}

	if sub.IsDecline {
		metrics.Decisions.WithLabelValues("1", "decline").Inc()
		_ = c.declinesLog.Record("aggregation", "submitter "+sub.SubmitterID+" declined")
		if err := c.session.UpdateStats(func(st *store.Stats) { st.Declined++ }); err != nil {
			return err
		}
		// A decline is an exhaustion signal.
		return c.workflow.Transition(func(s *store.WorkflowState) {
			s.ExhaustionSignals++
		})
	}

	verdict, err := c.validator.Validate(ctx, agents.ValidateContext{
		TaskID:         taskID,
		ResearchPrompt: c.researchPrompt,
		SharedTraining: c.training.Render(),
		Entries:        c.training.Entries(),
	}, sub)
	if err != nil {
		var fatal error
		verdict, fatal = c.attemptOutcome(sub.ID, err)
		if fatal != nil {
			return fatal
		}
	}

	if verdict.Decision == agents.DecisionAccept {
		return c.routeAcceptance(topicID, sub, verdict)
	}
	return c.routeRejection(submitter.ID, sub, verdict)
}

func (c *Coordinator) routeAcceptance(topicID string, sub *agents.Submission, verdict *agents.ValidationResult) error {
	number, err := c.training.Append(sub.Content)
	if err != nil {
		return err
	}
	c.appendBrainstorm(topicID, number, sub.Content)

	metrics.Decisions.WithLabelValues("1", "accept").Inc()
	slog.Info("Submission accepted", "number", number, "submitter", sub.SubmitterID, "chunk_size", sub.ChunkSizeUsed)

	if err := c.session.UpdateStats(func(st *store.Stats) { st.Accepted++ }); err != nil {
		return err
	}
	return c.workflow.Transition(func(s *store.WorkflowState) {
		s.ConsecutiveRejections = 0
		s.AcceptancesSinceCheck++
	})
}

func (c *Coordinator) routeRejection(submitterID int, sub *agents.Submission, verdict *agents.ValidationResult) error {
	metrics.Decisions.WithLabelValues("1", "reject").Inc()
	slog.Info("Submission rejected", "submitter_id", submitterID, "summary", verdict.Summary)

	if rm := c.rejections[submitterID]; rm != nil {
		summary := verdict.Summary
		if summary == "" {
			summary = verdict.Reasoning
		}
		if err := rm.Record(summary, sub.Content); err != nil {
			slog.Warn("Failed to record rejection", "submitter_id", submitterID, "error", err)
		}
	}

	if err := c.session.UpdateStats(func(st *store.Stats) { st.Rejected++ }); err != nil {
		return err
	}
	return c.workflow.Transition(func(s *store.WorkflowState) {
		s.ConsecutiveRejections++
	})
}

// cleanupReview identifies at most one redundant accepted entry and
// archives it only when the second validator pass approves the specific
// removal.
func (c *Coordinator) cleanupReview(ctx context.Context) error {
	proposal, err := c.cleanup.Review(ctx, "cleanup", c.researchPrompt, c.training.Entries())
	if err != nil {
		return err
	}
	if proposal == nil {
		slog.Debug("Cleanup review found nothing to remove")
		return nil
	}
	if !proposal.Approved {
		slog.Info("Cleanup removal vetoed by second review", "number", proposal.Number)
		return nil
	}

	if err := c.training.Remove(proposal.Number); err != nil {
		return err
	}
	slog.Info("Cleanup removed redundant entry", "number", proposal.Number, "reason", proposal.Reasoning)
	return c.session.UpdateStats(func(st *store.Stats) { st.CleanupRemoved++ })
}

// completionReview asks the self-validating reviewer whether to write
// the paper. Returns true when Tier 1 should end.
func (c *Coordinator) completionReview(ctx context.Context, topicID string) (bool, error) {
	assessment, err := c.completion.Assess(ctx, "completion-"+topicID, c.researchPrompt, c.training.Render())
	if err != nil {
		return false, err
	}
	slog.Info("Completion review",
		"write_paper", assessment.WritePaper,
		"is_miniscule", assessment.IsMiniscule)
	return assessment.WritePaper, nil
}
