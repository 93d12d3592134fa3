package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/gateway"
	"github.com/intrafere/moto/pkg/retrieval"
	"github.com/intrafere/moto/pkg/store"
)

// Coordinator sequences the three tiers against the shared state
// stores. Every workflow transition is checkpointed before the
// operation it records commits, so a crash at any point leaves a
// resumable workflow_state.json behind.
type Coordinator struct {
	cfg      *config.Config
	session  *store.Session
	engine   *retrieval.Engine
	training *store.SharedTraining
	outline  *store.Outline
	paper    *store.Paper
	workflow *store.Workflow

	rejectionsLog  *store.DecisionLog
	acceptancesLog *store.DecisionLog
	declinesLog    *store.DecisionLog

	submitters []*agents.Submitter
	rejections map[int]*store.RejectionMemory
	validator  *agents.Validator
	cleanup    *agents.CleanupReviewer
	completion *agents.CompletionReviewer

	compiler          *agents.CompilerSubmitter
	compilerValidator *agents.CompilerValidator
	outlineCreator    *agents.OutlineCreator
	critic            *agents.Critic
	rigor             *agents.CompilerSubmitter
	review            *agents.CompilerSubmitter

	assessor       *agents.CertaintyAssessor
	formatSelector *agents.FormatSelector
	organizer      *agents.VolumeOrganizer

	researchPrompt string
	paperVersion   int
	papers         []agents.PaperRef
}

// HasInterruptedWorkflow reports whether a crashed run left a resumable
// checkpoint.
func (c *Coordinator) HasInterruptedWorkflow() bool {
	return c.workflow.HasInterruptedWorkflow()
}

// WorkflowState exposes the current checkpoint for status reporting.
func (c *Coordinator) WorkflowState() store.WorkflowState {
	return c.workflow.State()
}

// Run executes a full workflow for the research prompt: Tier 1
// aggregation, Tier 2 compilation, Tier 3 final answer. A clean finish
// clears the checkpoint.
func (c *Coordinator) Run(ctx context.Context, researchPrompt string) error {
	c.researchPrompt = researchPrompt

	sessionID := uuid.NewString()
	if err := c.session.SetGoal(sessionID, researchPrompt); err != nil {
		return err
	}

	topicID := "topic-" + uuid.NewString()[:8]
	if err := c.workflow.Transition(func(s *store.WorkflowState) {
		s.IsRunning = true
		s.CurrentTier = store.TierAggregation
		s.CurrentTopicID = topicID
		s.ModelConfig = c.modelSnapshot()
	}); err != nil {
		return err
	}

	return c.runFrom(ctx, c.workflow.State())
}

// Resume continues an interrupted workflow from its checkpoint.
func (c *Coordinator) Resume(ctx context.Context, researchPrompt string) error {
	state := c.workflow.State()
	if !state.Resumable() {
		return errors.New("no resumable workflow found")
	}
	c.researchPrompt = researchPrompt
	if c.researchPrompt == "" {
		// The goal was persisted at Run time.
		c.researchPrompt = c.sessionGoal()
	}
	slog.Info("Resuming interrupted workflow",
		"tier", int(state.CurrentTier),
		"topic", state.CurrentTopicID,
		"paper", state.CurrentPaperID,
		"phase", string(state.PaperPhase))
	return c.runFrom(ctx, state)
}

// runFrom drives the tiers starting at the checkpointed position.
func (c *Coordinator) runFrom(ctx context.Context, state store.WorkflowState) error {
	tier := state.CurrentTier
	if tier == store.TierNone {
		tier = store.TierAggregation
	}

	if tier <= store.TierAggregation {
		if err := c.runTier1(ctx, c.workflow.State().CurrentTopicID); err != nil {
			return c.fail(err)
		}
	}
	if tier <= store.TierCompilation {
		if err := c.runTier2(ctx); err != nil {
			return c.fail(err)
		}
	}
	if err := c.runTier3(ctx); err != nil {
		return c.fail(err)
	}

	// Clean stop clears the checkpoint.
	if err := c.workflow.Clear(); err != nil {
		return err
	}
	slog.Info("Workflow complete")
	return nil
}

// fail leaves the checkpoint intact so the workflow stays resumable.
func (c *Coordinator) fail(err error) error {
	slog.Error("Workflow stopped; checkpoint retained for resume", "error", err)
	return err
}

func (c *Coordinator) modelSnapshot() map[string]any {
	out := make(map[string]any, len(c.cfg.Roles))
	for role, rc := range c.cfg.Roles {
		out[role] = rc.Model
	}
	return out
}

func (c *Coordinator) sessionGoal() string {
	data, err := os.ReadFile(c.session.Path(store.SessionMetadataFile))
	if err != nil {
		return ""
	}
	var meta store.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return ""
	}
	return meta.ResearchGoal
}

// attemptOutcome classifies a failed submission attempt: fatal errors
// bubble to the user, everything else becomes a synthetic rejection so
// the loop proceeds.
func (c *Coordinator) attemptOutcome(submissionID string, err error) (*agents.ValidationResult, error) {
	var be *gateway.BackendError
	if errors.As(err, &be) {
		switch be.Kind {
		case gateway.KindModelCrashed, gateway.KindModelNotLoaded:
			return nil, err
		}
	}
	var allocErr *allocator.ContextAllocationError
	if errors.As(err, &allocErr) {
		return nil, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	slog.Warn("Submission attempt failed; converting to rejection", "error", err)
	return agents.RejectResult(submissionID, fmt.Sprintf("attempt failed: %v", err)), nil
}

// appendBrainstorm mirrors an accepted entry into the per-topic
// database file.
func (c *Coordinator) appendBrainstorm(topicID string, number int, content string) {
	path := c.session.BrainstormPath(topicID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Failed to open brainstorm file", "topic", topicID, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[#%d]\n%s\n\n", number, content)

	if err := c.session.TouchBrainstorm(topicID, c.researchPrompt); err != nil {
		slog.Warn("Failed to update brainstorm metadata", "topic", topicID, "error", err)
	}
}

// registerPaper records a completed paper for Tier 3 and archives its
// abstract.
func (c *Coordinator) registerPaper(paperID, content string) {
	abstract := extractAbstract(content)
	c.papers = append(c.papers, agents.PaperRef{
		ID:       paperID,
		Title:    firstLine(content),
		Abstract: abstract,
	})
}

func extractAbstract(content string) string {
	lower := strings.ToLower(content)
	idx := strings.Index(lower, "abstract")
	if idx < 0 {
		return truncateForAbstract(content)
	}
	rest := content[idx+len("abstract"):]
	// Up to the next section header or 1500 chars.
	for _, header := range []string{"\nIntroduction", "\nintroduction", "\n## "} {
		if cut := strings.Index(rest, header); cut > 0 {
			rest = rest[:cut]
			break
		}
	}
	return truncateForAbstract(strings.TrimSpace(strings.TrimPrefix(rest, ":")))
}

func truncateForAbstract(s string) string {
	const max = 1500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "Untitled"
}
