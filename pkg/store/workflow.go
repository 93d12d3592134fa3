package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Tier identifies a coordinator stage.
type Tier int

const (
	TierNone        Tier = 0
	TierAggregation Tier = 1
	TierCompilation Tier = 2
	TierFinalAnswer Tier = 3
)

// PaperPhase is the Tier-2 compilation phase, in strict order.
type PaperPhase string

const (
	PhaseBody         PaperPhase = "body"
	PhaseConclusion   PaperPhase = "conclusion"
	PhaseIntroduction PaperPhase = "introduction"
	PhaseAbstract     PaperPhase = "abstract"
)

// NextPhase returns the phase after p, or "" when compilation is done.
func NextPhase(p PaperPhase) PaperPhase {
	switch p {
	case PhaseBody:
		return PhaseConclusion
	case PhaseConclusion:
		return PhaseIntroduction
	case PhaseIntroduction:
		return PhaseAbstract
	default:
		return ""
	}
}

// WorkflowState is the crash-recovery checkpoint, persisted on every
// state transition. The coordinator exclusively owns the file.
type WorkflowState struct {
	IsRunning             bool           `json:"is_running"`
	CurrentTier           Tier           `json:"current_tier"`
	CurrentTopicID        string         `json:"current_topic_id,omitempty"`
	CurrentPaperID        string         `json:"current_paper_id,omitempty"`
	PaperPhase            PaperPhase     `json:"paper_phase,omitempty"`
	ConsecutiveRejections int            `json:"consecutive_rejections"`
	ExhaustionSignals     int            `json:"exhaustion_signals"`
	AcceptancesSinceCheck int            `json:"acceptances_since_check"`
	PapersCompletedCount  int            `json:"papers_completed_count"`
	Tier3Active           bool           `json:"tier3_active"`
	ModelConfig           map[string]any `json:"model_config,omitempty"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Resumable reports whether an interrupted workflow can be picked up.
func (ws WorkflowState) Resumable() bool {
	if ws.CurrentTier != TierNone && ws.CurrentTopicID != "" {
		return true
	}
	return ws.PapersCompletedCount > 0 || ws.Tier3Active
}

// Workflow persists the state blob.
type Workflow struct {
	path string

	mu    sync.Mutex
	state WorkflowState
}

// NewWorkflow opens the checkpoint at path, loading any existing state.
func NewWorkflow(path string) (*Workflow, error) {
	w := &Workflow{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow state: %w", err)
	}
	if jsonErr := json.Unmarshal(data, &w.state); jsonErr != nil {
		return nil, fmt.Errorf("corrupt workflow state file: %w", jsonErr)
	}
	return w, nil
}

// State returns a copy of the current state.
func (w *Workflow) State() WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Transition applies fn under the lock and persists before returning, so
// the checkpoint is on disk before the operation it records commits.
func (w *Workflow) Transition(fn func(*WorkflowState)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn(&w.state)
	w.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(w.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(w.path, data)
}

// HasInterruptedWorkflow reports whether the on-disk state is resumable.
func (w *Workflow) HasInterruptedWorkflow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.IsRunning && w.state.Resumable()
}

// Clear wipes the checkpoint on a clean stop.
func (w *Workflow) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = WorkflowState{}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
