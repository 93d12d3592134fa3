// Package coordinator drives the three-tier research workflow:
// aggregation, paper compilation, and final answer. All cross-component
// wiring happens on the App record constructed at startup; there are no
// package-level singletons.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/intrafere/moto/pkg/agents"
	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/gateway"
	"github.com/intrafere/moto/pkg/retrieval"
	"github.com/intrafere/moto/pkg/store"
	"github.com/intrafere/moto/pkg/utils"
)

// Role ids consulted in the config's roles table.
const (
	RoleSubmitter         = "submitter"
	RoleValidator         = "validator"
	RoleCleanupReviewer   = "cleanup_reviewer"
	RoleCompletionReview  = "completion_reviewer"
	RoleCompiler          = "compiler"
	RoleCompilerValidator = "compiler_validator"
	RoleCritic            = "critic"
	RoleRigor             = "rigor"
	RoleReview            = "review"
	RoleCertainty         = "certainty_assessor"
	RoleFormatSelector    = "format_selector"
	RoleVolumeOrganizer   = "volume_organizer"
)

// numSubmitters is the Tier-1 submitter pool size.
const numSubmitters = 3

// App owns every long-lived component of the pipeline.
type App struct {
	Config  *config.Config
	Session *store.Session
	Gateway *gateway.Gateway
	Engine  *retrieval.Engine
	Watcher *retrieval.UploadsWatcher

	Training *store.SharedTraining
	Outline  *store.Outline
	Paper    *store.Paper
	Workflow *store.Workflow

	Coordinator *Coordinator
}

// NewApp wires the full dependency graph from configuration: gateway,
// retrieval engine, state stores with their re-chunk callbacks, agents,
// and the coordinator.
func NewApp(cfg *config.Config) (*App, error) {
	session, err := store.OpenSession(cfg.Session.Dir)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(cfg.Backend, cfg.Roles)

	var counter *utils.TokenCounter
	if role, ok := cfg.Roles[RoleSubmitter]; ok {
		counter, err = utils.NewTokenCounter(role.Model)
		if err != nil {
			slog.Warn("Token counter unavailable; using estimates", "error", err)
			counter = nil
		}
	}

	var engineCounter interface{ Count(string) int }
	if counter != nil {
		engineCounter = counter
	}
	var engineOpts []retrieval.EngineOption
	if cfg.Retrieval.PersistVectors {
		engineOpts = append(engineOpts, retrieval.WithVectorPersistence(session.Path(store.VectorsDir)))
	}
	engine := retrieval.NewEngine(cfg.Retrieval, gw, engineCounter, engineOpts...)

	training, err := store.NewSharedTraining(session.Path(store.SharedTrainingFile), cfg.Workflow.MaxSharedTrainingInsights)
	if err != nil {
		return nil, err
	}
	outline, err := store.NewOutline(session.Path(store.OutlineFile))
	if err != nil {
		return nil, err
	}
	paper := store.NewPaper(session.Path(store.PaperFile))
	workflow, err := store.NewWorkflow(session.Path(store.WorkflowStateFile))
	if err != nil {
		return nil, err
	}

	// Re-chunk callbacks: every store write re-indexes the store's full
	// content at all configured size classes. Fired outside store locks.
	bind := func(source string) store.RechunkFunc {
		ingest := engine.RechunkFunc(source, false)
		return func(content string) {
			if err := ingest(context.Background(), content); err != nil {
				slog.Warn("Re-chunk failed", "source", source, "error", err)
			}
		}
	}
	training.SetRechunk(bind("shared_training"))
	outline.SetRechunk(bind("outline"))
	paper.SetRechunk(bind("paper"))

	watcher, err := retrieval.NewUploadsWatcher(session.Path(store.UploadsDir), engine)
	if err != nil {
		return nil, err
	}

	coord, err := newCoordinator(cfg, session, gw, engine, counter, training, outline, paper, workflow)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		Session:     session,
		Gateway:     gw,
		Engine:      engine,
		Watcher:     watcher,
		Training:    training,
		Outline:     outline,
		Paper:       paper,
		Workflow:    workflow,
		Coordinator: coord,
	}, nil
}

// Start brings up background services (the uploads watcher).
func (a *App) Start(ctx context.Context) error {
	return a.Watcher.Start(ctx)
}

// Stop shuts background services down.
func (a *App) Stop() error {
	return a.Watcher.Stop()
}

// roleOrDefault resolves a role binding, falling back to the submitter
// role so a minimal config with one model still runs every agent.
func roleOrDefault(cfg *config.Config, roleID string) (config.RoleConfig, error) {
	if role, ok := cfg.Roles[roleID]; ok {
		return role, nil
	}
	if role, ok := cfg.Roles[RoleSubmitter]; ok {
		return role, nil
	}
	return config.RoleConfig{}, fmt.Errorf("no role configured for %q and no submitter fallback", roleID)
}

func newCoordinator(
	cfg *config.Config,
	session *store.Session,
	gw *gateway.Gateway,
	engine *retrieval.Engine,
	counter *utils.TokenCounter,
	training *store.SharedTraining,
	outline *store.Outline,
	paper *store.Paper,
	workflow *store.Workflow,
) (*Coordinator, error) {
	var allocCounter allocator.Counter
	if counter != nil {
		allocCounter = counter
	}
	alloc := allocator.New(engine, allocCounter, cfg.Workflow.MinRAGReserve, cfg.Workflow.SafetyMargin)

	base := func(roleID string) (agents.Agent, error) {
		role, err := roleOrDefault(cfg, roleID)
		if err != nil {
			return agents.Agent{}, err
		}
		return agents.Agent{
			RoleID:       roleID,
			Role:         role,
			Gateway:      gw,
			Allocator:    alloc,
			Counter:      counter,
			SafetyMargin: cfg.Workflow.SafetyMargin,
		}, nil
	}

	c := &Coordinator{
		cfg:        cfg,
		session:    session,
		engine:     engine,
		training:   training,
		outline:    outline,
		paper:      paper,
		workflow:   workflow,
		rejections: make(map[int]*store.RejectionMemory),
	}

	var err error
	if c.rejectionsLog, err = store.NewDecisionLog(session.Path(store.RejectionsFile)); err != nil {
		return nil, err
	}
	if c.acceptancesLog, err = store.NewDecisionLog(session.Path(store.AcceptancesFile)); err != nil {
		return nil, err
	}
	if c.declinesLog, err = store.NewDecisionLog(session.Path(store.DeclinesFile)); err != nil {
		return nil, err
	}

	for i := 1; i <= numSubmitters; i++ {
		agent, err := base(RoleSubmitter)
		if err != nil {
			return nil, err
		}
		c.submitters = append(c.submitters, &agents.Submitter{
			Agent:          agent,
			ID:             i,
			ChunkIntervals: cfg.Retrieval.SubmitterChunkIntervals,
			SystemPrompt:   promptSubmitter,
		})
		rm, err := store.NewRejectionMemory(session.RejectionLogPath(i))
		if err != nil {
			return nil, err
		}
		c.rejections[i] = rm
	}

	mk := func(roleID string) (agents.Agent, error) { return base(roleID) }

	validatorAgent, err := mk(RoleValidator)
	if err != nil {
		return nil, err
	}
	c.validator = &agents.Validator{Agent: validatorAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptValidator}

	cleanupAgent, err := mk(RoleCleanupReviewer)
	if err != nil {
		return nil, err
	}
	c.cleanup = &agents.CleanupReviewer{Agent: cleanupAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptCleanup}

	completionAgent, err := mk(RoleCompletionReview)
	if err != nil {
		return nil, err
	}
	c.completion = &agents.CompletionReviewer{Agent: completionAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptCompletionReview}

	compilerAgent, err := mk(RoleCompiler)
	if err != nil {
		return nil, err
	}
	c.compiler = &agents.CompilerSubmitter{Agent: compilerAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, PhasePrompts: phasePrompts}

	compilerValidatorAgent, err := mk(RoleCompilerValidator)
	if err != nil {
		return nil, err
	}
	c.compilerValidator = &agents.CompilerValidator{Agent: compilerValidatorAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptCompilerValidator}

	outlineAgent, err := mk(RoleCompiler)
	if err != nil {
		return nil, err
	}
	c.outlineCreator = &agents.OutlineCreator{Agent: outlineAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptOutlineCreate}

	criticAgent, err := mk(RoleCritic)
	if err != nil {
		return nil, err
	}
	c.critic = &agents.Critic{Agent: criticAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptCritic}

	rigorAgent, err := mk(RoleRigor)
	if err != nil {
		return nil, err
	}
	c.rigor = &agents.CompilerSubmitter{Agent: rigorAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, PhasePrompts: map[store.PaperPhase]string{}}

	reviewAgent, err := mk(RoleReview)
	if err != nil {
		return nil, err
	}
	c.review = &agents.CompilerSubmitter{Agent: reviewAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, PhasePrompts: map[store.PaperPhase]string{}}

	certaintyAgent, err := mk(RoleCertainty)
	if err != nil {
		return nil, err
	}
	c.assessor = &agents.CertaintyAssessor{Agent: certaintyAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptCertainty}

	formatAgent, err := mk(RoleFormatSelector)
	if err != nil {
		return nil, err
	}
	c.formatSelector = &agents.FormatSelector{Agent: formatAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptFormatSelect}

	organizerAgent, err := mk(RoleVolumeOrganizer)
	if err != nil {
		return nil, err
	}
	c.organizer = &agents.VolumeOrganizer{Agent: organizerAgent, ChunkSize: cfg.Retrieval.ValidatorChunkSize, SystemPrompt: promptVolumeOrganize}

	return c, nil
}
