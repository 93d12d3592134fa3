package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	rejectionRingSize   = 5
	rejectionPreviewMax = 750
)

// RejectionRecord is one remembered validator rejection.
type RejectionRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	ValidatorSummary  string    `json:"validator_summary"`
	SubmissionPreview string    `json:"submission_preview"`
}

// RejectionMemory is a bounded ring of the last five rejections for one
// submitter, persisted per topic so the submitter can learn from them.
type RejectionMemory struct {
	path string

	mu      sync.Mutex
	records []RejectionRecord
}

// NewRejectionMemory opens the rejection ring at path.
func NewRejectionMemory(path string) (*RejectionMemory, error) {
	rm := &RejectionMemory{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rejection log: %w", err)
	}
	if jsonErr := json.Unmarshal(data, &rm.records); jsonErr != nil {
		// Older structured-text files are discarded rather than parsed;
		// the ring refills within five rejections anyway.
		rm.records = nil
	}
	return rm, nil
}

// Record appends a rejection, truncating summary and preview to the
// ring's field limits and dropping the oldest record past capacity.
func (rm *RejectionMemory) Record(validatorSummary, submissionContent string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.records = append(rm.records, RejectionRecord{
		Timestamp:         time.Now().UTC(),
		ValidatorSummary:  truncate(validatorSummary, rejectionPreviewMax),
		SubmissionPreview: truncate(submissionContent, rejectionPreviewMax),
	})
	if len(rm.records) > rejectionRingSize {
		rm.records = rm.records[len(rm.records)-rejectionRingSize:]
	}
	return rm.saveLocked()
}

// Clear empties the ring.
func (rm *RejectionMemory) Clear() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.records = nil
	return rm.saveLocked()
}

// Records returns a copy of the ring, oldest first.
func (rm *RejectionMemory) Records() []RejectionRecord {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]RejectionRecord, len(rm.records))
	copy(out, rm.records)
	return out
}

// FormatForContext serializes the ring as a learn-from-these block for
// prompt injection. Empty ring yields an empty string.
func (rm *RejectionMemory) FormatForContext() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.records) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Your recent submissions were rejected. Learn from these rejections and avoid repeating them:\n\n")
	for i, r := range rm.records {
		fmt.Fprintf(&sb, "Rejection %d (%s):\n", i+1, r.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&sb, "Validator said: %s\n", r.ValidatorSummary)
		fmt.Fprintf(&sb, "You submitted: %s\n\n", r.SubmissionPreview)
	}
	return sb.String()
}

func (rm *RejectionMemory) saveLocked() error {
	data, err := json.MarshalIndent(rm.records, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(rm.path, data)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
