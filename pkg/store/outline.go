package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// OutlineAnchor is the end-of-outline sentinel. A non-empty outline file
// ends with exactly one of these; every write strips strays and
// re-appends a single anchor.
const OutlineAnchor = "===== END OF OUTLINE ====="

const outlineFeedbackRingSize = 5

// OutlineFeedback is one accept/reject round from the outline-create
// loop. Accepted rounds keep a copy of the outline so the submitter can
// see its last accepted version and decide whether to lock it.
type OutlineFeedback struct {
	Timestamp       time.Time `json:"timestamp"`
	Decision        string    `json:"decision"`
	Reasoning       string    `json:"reasoning"`
	AcceptedOutline string    `json:"accepted_outline,omitempty"`
}

// Outline is the single-writer outline stream plus its creation-feedback
// ring.
type Outline struct {
	path         string
	feedbackPath string
	rechunk      RechunkFunc

	mu       sync.Mutex
	feedback []OutlineFeedback
}

// NewOutline opens the outline at path; feedback lives in a sidecar
// JSON file next to it.
func NewOutline(path string) (*Outline, error) {
	o := &Outline{
		path:         path,
		feedbackPath: strings.TrimSuffix(path, ".txt") + "_feedback.json",
	}
	if data, err := os.ReadFile(o.feedbackPath); err == nil {
		_ = json.Unmarshal(data, &o.feedback)
	}
	return o, nil
}

// SetRechunk registers the re-index callback fired after every write.
func (o *Outline) SetRechunk(fn RechunkFunc) {
	o.mu.Lock()
	o.rechunk = fn
	o.mu.Unlock()
}

// Content returns the outline text without the anchor.
func (o *Outline) Content() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.contentLocked()
}

func (o *Outline) contentLocked() (string, error) {
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripAnchors(string(data), OutlineAnchor)), nil
}

// Write replaces the outline. All anchor occurrences in the incoming
// text are stripped and a single anchor is re-appended.
func (o *Outline) Write(content string) error {
	o.mu.Lock()

	text := strings.TrimSpace(stripAnchors(content, OutlineAnchor))
	var body string
	if text != "" {
		body = text + "\n\n" + OutlineAnchor + "\n"
	}
	if err := writeFileAtomic(o.path, []byte(body)); err != nil {
		o.mu.Unlock()
		return err
	}

	rechunk := o.rechunk
	o.mu.Unlock()

	if rechunk != nil && text != "" {
		go rechunk(text)
	}
	return nil
}

// EnsureAnchorIntact repairs the anchor in place: exactly one anchor at
// EOF when the outline is non-empty. Returns true when a repair was
// made.
func (o *Outline) EnsureAnchorIntact() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw := string(data)
	text := strings.TrimSpace(stripAnchors(raw, OutlineAnchor))
	if text == "" {
		if strings.TrimSpace(raw) == "" {
			return false, nil
		}
		return true, writeFileAtomic(o.path, nil)
	}

	canonical := text + "\n\n" + OutlineAnchor + "\n"
	if raw == canonical {
		return false, nil
	}
	return true, writeFileAtomic(o.path, []byte(canonical))
}

// RecordFeedback appends one outline-create round to the ring.
func (o *Outline) RecordFeedback(decision, reasoning, acceptedOutline string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.feedback = append(o.feedback, OutlineFeedback{
		Timestamp:       time.Now().UTC(),
		Decision:        decision,
		Reasoning:       reasoning,
		AcceptedOutline: acceptedOutline,
	})
	if len(o.feedback) > outlineFeedbackRingSize {
		o.feedback = o.feedback[len(o.feedback)-outlineFeedbackRingSize:]
	}
	return o.saveFeedbackLocked()
}

// Feedback returns a copy of the ring, oldest first.
func (o *Outline) Feedback() []OutlineFeedback {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutlineFeedback, len(o.feedback))
	copy(out, o.feedback)
	return out
}

// LastAccepted returns the most recent accepted outline, if any.
func (o *Outline) LastAccepted() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.feedback) - 1; i >= 0; i-- {
		if o.feedback[i].Decision == "accept" && o.feedback[i].AcceptedOutline != "" {
			return o.feedback[i].AcceptedOutline, true
		}
	}
	return "", false
}

// ClearFeedback empties the ring; called once the outline is locked.
func (o *Outline) ClearFeedback() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feedback = nil
	return o.saveFeedbackLocked()
}

// FormatFeedback serializes the ring for prompt injection.
func (o *Outline) FormatFeedback() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.feedback) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous outline review rounds:\n\n")
	for i, f := range o.feedback {
		fmt.Fprintf(&sb, "Round %d: %s\n%s\n", i+1, f.Decision, f.Reasoning)
		if f.AcceptedOutline != "" {
			fmt.Fprintf(&sb, "Accepted outline:\n%s\n", f.AcceptedOutline)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (o *Outline) saveFeedbackLocked() error {
	data, err := json.MarshalIndent(o.feedback, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(o.feedbackPath, data)
}

// stripAnchors removes every occurrence of the anchor line from text.
func stripAnchors(text, anchor string) string {
	return strings.ReplaceAll(text, anchor, "")
}
