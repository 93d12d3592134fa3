package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/gateway"
	"github.com/intrafere/moto/pkg/store"
)

// scriptedCompleter replays canned replies in order.
type scriptedCompleter struct {
	replies []string
	idx     int
}

func (s *scriptedCompleter) Completion(_ context.Context, _ gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	reply := "{}"
	if s.idx < len(s.replies) {
		reply = s.replies[s.idx]
		s.idx++
	} else if len(s.replies) > 0 {
		reply = s.replies[len(s.replies)-1]
	}
	return &gateway.CompletionResponse{
		Choices: []gateway.Choice{{Message: gateway.ChoiceMessage{Content: reply}}},
	}, nil
}

func testRole() config.RoleConfig {
	return config.RoleConfig{Model: "test-model", ContextWindow: 64000, MaxOutputTokens: 4000}
}

func testAgent(roleID string, completer agents.Completer) agents.Agent {
	return agents.Agent{
		RoleID:       roleID,
		Role:         testRole(),
		Gateway:      completer,
		Allocator:    allocator.New(nil, nil, 100, 50),
		SafetyMargin: 500,
	}
}

// newTestCoordinator wires a coordinator over temp-dir stores with
// scripted submitter and validator replies.
func newTestCoordinator(t *testing.T, submitterReplies, validatorReplies []string) *Coordinator {
	t.Helper()

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Session.Dir = t.TempDir()

	session, err := store.OpenSession(cfg.Session.Dir)
	require.NoError(t, err)
	training, err := store.NewSharedTraining(session.Path(store.SharedTrainingFile), 500)
	require.NoError(t, err)
	outline, err := store.NewOutline(session.Path(store.OutlineFile))
	require.NoError(t, err)
	workflow, err := store.NewWorkflow(session.Path(store.WorkflowStateFile))
	require.NoError(t, err)

	c := &Coordinator{
		cfg:            cfg,
		session:        session,
		training:       training,
		outline:        outline,
		paper:          store.NewPaper(session.Path(store.PaperFile)),
		workflow:       workflow,
		rejections:     make(map[int]*store.RejectionMemory),
		researchPrompt: "what is the nature of the problem",
	}
	c.rejectionsLog, err = store.NewDecisionLog(session.Path(store.RejectionsFile))
	require.NoError(t, err)
	c.acceptancesLog, err = store.NewDecisionLog(session.Path(store.AcceptancesFile))
	require.NoError(t, err)
	c.declinesLog, err = store.NewDecisionLog(session.Path(store.DeclinesFile))
	require.NoError(t, err)

	c.submitters = []*agents.Submitter{{
		Agent:          testAgent(RoleSubmitter, &scriptedCompleter{replies: submitterReplies}),
		ID:             1,
		ChunkIntervals: cfg.Retrieval.SubmitterChunkIntervals,
	}}
	rm, err := store.NewRejectionMemory(session.RejectionLogPath(1))
	require.NoError(t, err)
	c.rejections[1] = rm

	c.validator = &agents.Validator{
		Agent:     testAgent(RoleValidator, &scriptedCompleter{replies: validatorReplies}),
		ChunkSize: cfg.Retrieval.ValidatorChunkSize,
	}
	return c
}

func TestSubmissionAcceptFlow(t *testing.T) {
	c := newTestCoordinator(t,
		[]string{`{"content": "a novel validated insight", "reasoning": "advances the goal", "is_decline": false}`},
		[]string{`{"decision": "accept", "reasoning": "solid", "summary": "good"}`},
	)

	require.NoError(t, c.runSubmissionAttempt(context.Background(), "topic-1", c.submitters[0]))

	assert.Equal(t, 1, c.training.Count())
	assert.Equal(t, 1, c.training.LastNumber())
	assert.Equal(t, 1, c.workflow.State().AcceptancesSinceCheck)
	assert.Equal(t, 0, c.workflow.State().ConsecutiveRejections)
	assert.Equal(t, 1, c.session.GetStats().Accepted)

	// Acceptance mirrors into the per-topic brainstorm metadata file.
	meta, err := c.session.BrainstormMeta("topic-1")
	require.NoError(t, err)
	assert.Equal(t, "topic-1", meta.TopicID)
	assert.Equal(t, 1, meta.Acceptances)
}

func TestSubmissionRejectFlow(t *testing.T) {
	c := newTestCoordinator(t,
		[]string{`{"content": "a weak claim", "is_decline": false}`},
		[]string{`{"decision": "reject", "reasoning": "unsupported", "summary": "needs evidence"}`},
	)

	require.NoError(t, c.runSubmissionAttempt(context.Background(), "topic-1", c.submitters[0]))

	assert.Equal(t, 0, c.training.Count())
	assert.Equal(t, 1, c.workflow.State().ConsecutiveRejections)
	// The rejection ring feeds the submitter's next prompt.
	assert.Contains(t, c.rejections[1].FormatForContext(), "needs evidence")
}

func TestDeclineCountsAsExhaustionSignal(t *testing.T) {
	c := newTestCoordinator(t,
		[]string{`{"content": "", "is_decline": true}`},
		nil,
	)

	require.NoError(t, c.runSubmissionAttempt(context.Background(), "topic-1", c.submitters[0]))
	assert.Equal(t, 1, c.workflow.State().ExhaustionSignals)
	assert.Equal(t, 1, c.session.GetStats().Declined)
}

func TestDuplicateSubmissionRejectedByHeuristic(t *testing.T) {
	insight := `{"content": "the quick brown fox jumps over the lazy dog", "is_decline": false}`
	c := newTestCoordinator(t,
		[]string{insight, insight},
		[]string{`{"decision": "accept", "reasoning": "first one is fine", "summary": "ok"}`},
	)

	ctx := context.Background()
	require.NoError(t, c.runSubmissionAttempt(ctx, "topic-1", c.submitters[0]))
	require.NoError(t, c.runSubmissionAttempt(ctx, "topic-1", c.submitters[0]))

	// The second, identical submission never reaches the LLM validator:
	// the redundancy heuristic rejects it.
	assert.Equal(t, 1, c.training.Count())
	assert.Equal(t, 1, c.workflow.State().ConsecutiveRejections)
}

func TestApplyPhaseEditBuildsSkeletonThenReplaces(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	body := "Section 1\n\n" + strings.Repeat("Substantial body prose. ", 30)
	require.NoError(t, c.applyPhaseEdit(store.PhaseBody, &agents.CompilerEdit{
		Operation: agents.OpFullContent,
		Content:   body,
	}))

	content, err := c.paper.Content()
	require.NoError(t, err)
	assert.Contains(t, content, store.SectionConclusion.Placeholder())

	conclusion := strings.Repeat("A closing argument. ", 20)
	require.NoError(t, c.applyPhaseEdit(store.PhaseConclusion, &agents.CompilerEdit{
		Operation: agents.OpFullContent,
		Content:   conclusion,
	}))

	content, err = c.paper.Content()
	require.NoError(t, err)
	assert.NotContains(t, content, store.SectionConclusion.Placeholder())
	assert.Contains(t, content, "A closing argument.")
}

func TestCrashRecoveryMidTier2(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)

	// Simulate the checkpoint written right after a body acceptance.
	require.NoError(t, c.workflow.Transition(func(s *store.WorkflowState) {
		s.IsRunning = true
		s.CurrentTier = store.TierCompilation
		s.CurrentTopicID = "topic-9"
		s.CurrentPaperID = "paper-4"
		s.PaperPhase = store.PhaseBody
	}))

	// A fresh coordinator over the same session dir sees the interrupted
	// workflow with identical position.
	reopened, err := store.NewWorkflow(c.session.Path(store.WorkflowStateFile))
	require.NoError(t, err)
	assert.True(t, reopened.HasInterruptedWorkflow())

	state := reopened.State()
	assert.Equal(t, store.TierCompilation, state.CurrentTier)
	assert.Equal(t, "topic-9", state.CurrentTopicID)
	assert.Equal(t, "paper-4", state.CurrentPaperID)
	assert.Equal(t, store.PhaseBody, state.PaperPhase)
}

func TestCompletedPapersRequiresPaper(t *testing.T) {
	c := newTestCoordinator(t, nil, nil)
	assert.Empty(t, c.completedPapers())

	require.NoError(t, c.paper.Write("A Paper Title\n\nAbstract\n\nSome abstract text that summarizes.\n\nBody."))
	papers := c.completedPapers()
	require.Len(t, papers, 1)
	assert.Equal(t, "A Paper Title", papers[0].Title)
	assert.Contains(t, papers[0].Abstract, "summarizes")
}
