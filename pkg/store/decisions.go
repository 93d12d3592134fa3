package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const decisionRingSize = 10

// DecisionRecord is one logged compiler decision.
type DecisionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Summary   string    `json:"summary"`
}

// DecisionLog is a bounded ring of the last ten decisions of one kind
// (compiler rejections, acceptances, or declines), persisted to its own
// file.
type DecisionLog struct {
	path string

	mu      sync.Mutex
	records []DecisionRecord
}

// NewDecisionLog opens the ring at path.
func NewDecisionLog(path string) (*DecisionLog, error) {
	dl := &DecisionLog{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return dl, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decision log: %w", err)
	}
	if jsonErr := json.Unmarshal(data, &dl.records); jsonErr != nil {
		dl.records = nil
	}
	return dl, nil
}

// Record appends a decision, dropping the oldest past capacity.
func (dl *DecisionLog) Record(phase, summary string) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.records = append(dl.records, DecisionRecord{
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		Summary:   summary,
	})
	if len(dl.records) > decisionRingSize {
		dl.records = dl.records[len(dl.records)-decisionRingSize:]
	}

	data, err := json.MarshalIndent(dl.records, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(dl.path, data)
}

// Records returns a copy of the ring, oldest first.
func (dl *DecisionLog) Records() []DecisionRecord {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	out := make([]DecisionRecord, len(dl.records))
	copy(out, dl.records)
	return out
}

// FormatForContext serializes the ring for prompt injection.
func (dl *DecisionLog) FormatForContext(title string) string {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if len(dl.records) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(title + ":\n")
	for _, r := range dl.records {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", r.Timestamp.Format(time.RFC3339), r.Phase, r.Summary)
	}
	return sb.String()
}
