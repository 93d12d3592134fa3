package store

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AcceptedEntry is one accepted submission in the shared training log.
// Identity is the monotonic number; content is never truncated.
type AcceptedEntry struct {
	Number    int
	Timestamp time.Time
	Content   string
}

const trainingDelimiter = "================================================================================"

var trainingHeaderRe = regexp.MustCompile(`(?m)^SUBMISSION #(\d+) \| Accepted: (\S+)$`)

// SharedTraining is the log-structured store of accepted submissions.
// Numbers strictly increase and are gap-free modulo cleanup removals;
// submission_count always equals the highest number ever issued.
type SharedTraining struct {
	path       string
	maxEntries int
	rechunk    RechunkFunc

	mu      sync.Mutex
	entries []AcceptedEntry
	counter int
}

// NewSharedTraining opens the log at path, parsing existing entries.
// maxEntries is a safety cap: exceeding it logs, never truncates.
func NewSharedTraining(path string, maxEntries int) (*SharedTraining, error) {
	st := &SharedTraining{path: path, maxEntries: maxEntries}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

// SetRechunk registers the re-index callback fired after every write.
func (st *SharedTraining) SetRechunk(fn RechunkFunc) {
	st.mu.Lock()
	st.rechunk = fn
	st.mu.Unlock()
}

// load parses the delimiter-framed file. If no delimiter matches but the
// file has content, the whole file becomes a single entry numbered 1.
func (st *SharedTraining) load() error {
	data, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read shared training log: %w", err)
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	matches := trainingHeaderRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		// Legacy or hand-edited file: keep everything as entry 1.
		st.entries = []AcceptedEntry{{Number: 1, Timestamp: time.Now().UTC(), Content: strings.TrimSpace(text)}}
		st.counter = 1
		slog.Warn("Shared training log had no delimiters; loaded as a single entry", "path", st.path)
		return nil
	}

	for i, m := range matches {
		number, _ := strconv.Atoi(text[m[2]:m[3]])
		ts, tsErr := time.Parse(time.RFC3339, text[m[4]:m[5]])
		if tsErr != nil {
			ts = time.Now().UTC()
		}

		// Content runs from the delimiter after this header to the next
		// header's delimiter (or EOF).
		start := strings.Index(text[m[1]:], trainingDelimiter)
		if start < 0 {
			continue
		}
		start += m[1] + len(trainingDelimiter)
		end := len(text)
		if i+1 < len(matches) {
			next := strings.LastIndex(text[:matches[i+1][0]], trainingDelimiter)
			if next > start {
				end = next
			}
		}
		content := strings.TrimSpace(text[start:end])
		content = strings.TrimSuffix(content, trainingDelimiter)
		content = strings.TrimSpace(content)

		st.entries = append(st.entries, AcceptedEntry{Number: number, Timestamp: ts, Content: content})
		if number > st.counter {
			st.counter = number
		}
	}
	slog.Info("Loaded shared training log", "path", st.path, "entries", len(st.entries), "counter", st.counter)
	return nil
}

// Append accepts a new entry, persists the log, and fires the re-chunk
// callback outside the lock. Content is stored verbatim.
func (st *SharedTraining) Append(content string) (int, error) {
	st.mu.Lock()

	st.counter++
	entry := AcceptedEntry{
		Number:    st.counter,
		Timestamp: time.Now().UTC(),
		Content:   content,
	}
	st.entries = append(st.entries, entry)

	if st.maxEntries > 0 && len(st.entries) > st.maxEntries {
		slog.Warn("Shared training log exceeds safety cap; keeping all entries",
			"count", len(st.entries),
			"cap", st.maxEntries)
	}

	if err := st.saveLocked(); err != nil {
		st.entries = st.entries[:len(st.entries)-1]
		st.counter--
		st.mu.Unlock()
		return 0, err
	}

	full := st.renderLocked()
	rechunk := st.rechunk
	st.mu.Unlock()

	if rechunk != nil {
		go rechunk(full)
	}
	return entry.Number, nil
}

// Remove deletes the entry with the given number (cleanup review),
// rewrites the file, and fires the re-chunk callback. Missing numbers
// are an error.
func (st *SharedTraining) Remove(number int) error {
	st.mu.Lock()

	idx := -1
	for i, e := range st.entries {
		if e.Number == number {
			idx = i
			break
		}
	}
	if idx < 0 {
		st.mu.Unlock()
		return fmt.Errorf("shared training entry #%d not found", number)
	}
	st.entries = append(st.entries[:idx], st.entries[idx+1:]...)

	if err := st.saveLocked(); err != nil {
		st.mu.Unlock()
		return err
	}

	full := st.renderLocked()
	rechunk := st.rechunk
	st.mu.Unlock()

	if rechunk != nil {
		go rechunk(full)
	}
	return nil
}

// Entries returns a copy of the current entries.
func (st *SharedTraining) Entries() []AcceptedEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]AcceptedEntry, len(st.entries))
	copy(out, st.entries)
	return out
}

// Count returns the number of live entries.
func (st *SharedTraining) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.entries)
}

// LastNumber returns the highest number issued so far.
func (st *SharedTraining) LastNumber() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.counter
}

// Render returns the full canonical log text (what the file contains and
// what gets re-chunked).
func (st *SharedTraining) Render() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.renderLocked()
}

func (st *SharedTraining) renderLocked() string {
	var sb strings.Builder
	for _, e := range st.entries {
		sb.WriteString(trainingDelimiter)
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "SUBMISSION #%d | Accepted: %s\n", e.Number, e.Timestamp.UTC().Format(time.RFC3339))
		sb.WriteString(trainingDelimiter)
		sb.WriteString("\n")
		sb.WriteString(e.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (st *SharedTraining) saveLocked() error {
	return writeFileAtomic(st.path, []byte(st.renderLocked()))
}
