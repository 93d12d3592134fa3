// Package store implements the pipeline's persistent state: the shared
// training log, per-submitter rejection memory, outline and paper
// streams with anchor/placeholder discipline, decision logs, and the
// workflow-state checkpoint. Each store exclusively owns its file;
// callers reach state only through the store's methods.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File names inside a session directory.
const (
	SharedTrainingFile  = "rag_shared_training.txt"
	OutlineFile         = "compiler_outline.txt"
	PaperFile           = "compiler_paper.txt"
	RejectionsFile      = "compiler_rejections.txt"
	AcceptancesFile     = "compiler_acceptances.txt"
	DeclinesFile        = "compiler_declines.txt"
	WorkflowStateFile   = "workflow_state.json"
	SessionMetadataFile = "session_metadata.json"
	SessionStatsFile    = "session_stats.json"
	UploadsDir          = "uploads"
	VectorsDir          = "vectors"
)

// RechunkFunc re-indexes a store's full content after a write. Stores
// invoke it outside their lock, fire-and-forget.
type RechunkFunc func(content string)

// Metadata is the aggregate session record.
type Metadata struct {
	SessionID    string    `json:"session_id"`
	ResearchGoal string    `json:"research_goal"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats counts pipeline outcomes for the session.
type Stats struct {
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
	Declined       int `json:"declined"`
	PapersComplete int `json:"papers_complete"`
	CleanupRemoved int `json:"cleanup_removed"`
}

// BrainstormMetadata is the per-topic record kept alongside the
// brainstorm database file.
type BrainstormMetadata struct {
	TopicID     string    `json:"topic_id"`
	Goal        string    `json:"goal"`
	Acceptances int       `json:"acceptances"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session owns the session directory layout and the metadata/stats
// files.
type Session struct {
	dir string

	mu       sync.Mutex
	metadata Metadata
	stats    Stats
}

// OpenSession creates or reopens a session directory, loading metadata
// and stats if present.
func OpenSession(dir string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, UploadsDir), 0o755); err != nil {
		return nil, err
	}

	s := &Session{dir: dir}

	if data, err := os.ReadFile(s.Path(SessionMetadataFile)); err == nil {
		_ = json.Unmarshal(data, &s.metadata)
	}
	if data, err := os.ReadFile(s.Path(SessionStatsFile)); err == nil {
		_ = json.Unmarshal(data, &s.stats)
	}
	if s.metadata.CreatedAt.IsZero() {
		s.metadata.CreatedAt = time.Now().UTC()
	}
	return s, nil
}

// Dir returns the session directory.
func (s *Session) Dir() string {
	return s.dir
}

// Path resolves a file name inside the session directory.
func (s *Session) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// RejectionLogPath names the per-submitter rejection ring file.
func (s *Session) RejectionLogPath(submitterID int) string {
	return s.Path(fmt.Sprintf("Summary_Of_Last_5_Validator_Rejections_For_Submitter_%d.txt", submitterID))
}

// BrainstormPath names the per-topic database file.
func (s *Session) BrainstormPath(topicID string) string {
	return s.Path(fmt.Sprintf("brainstorm_%s.txt", topicID))
}

// BrainstormMetadataPath names the per-topic metadata file.
func (s *Session) BrainstormMetadataPath(topicID string) string {
	return s.Path(fmt.Sprintf("brainstorm_%s_metadata.json", topicID))
}

// TouchBrainstorm updates the per-topic metadata file, creating it on
// first acceptance and bumping the acceptance count and timestamp after
// that.
func (s *Session) TouchBrainstorm(topicID, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.BrainstormMetadataPath(topicID)
	var meta BrainstormMetadata
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &meta)
	}

	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.TopicID = topicID
	meta.Goal = goal
	meta.Acceptances++
	meta.UpdatedAt = now

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// BrainstormMeta loads the per-topic metadata file.
func (s *Session) BrainstormMeta(topicID string) (BrainstormMetadata, error) {
	var meta BrainstormMetadata
	data, err := os.ReadFile(s.BrainstormMetadataPath(topicID))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// PaperVersionPath names an archived paper body version.
func (s *Session) PaperVersionPath(version int) string {
	return s.Path(fmt.Sprintf("paper_version_%d.txt", version))
}

// SetGoal records the research goal.
func (s *Session) SetGoal(id, goal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.SessionID = id
	s.metadata.ResearchGoal = goal
	return s.saveMetadataLocked()
}

// UpdateStats applies fn to the stats under the lock and persists.
func (s *Session) UpdateStats(fn func(*Stats)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
	data, err := json.MarshalIndent(s.stats, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path(SessionStatsFile), data)
}

// GetStats returns a copy of the current stats.
func (s *Session) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) saveMetadataLocked() error {
	s.metadata.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path(SessionMetadataFile), data)
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a half-written state file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
