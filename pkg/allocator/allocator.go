// Package allocator assembles an agent's prompt inside the model's
// available input window, deciding per content slot between direct
// injection and RAG offload.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/intrafere/moto/pkg/retrieval"
)

// Retriever is the RAG entry point the allocator offloads to. The
// retrieval engine satisfies this.
type Retriever interface {
	Retrieve(ctx context.Context, query string, sizeClass, maxTokens int) (*retrieval.ContextPack, error)
}

// Counter counts tokens. utils.TokenCounter satisfies this.
type Counter interface {
	Count(text string) int
}

// Slot is one optional content block, listed in priority order by the
// caller (the priority list differs between submitter-like and
// validator-like roles).
type Slot struct {
	Name    string
	Content string
	// Query overrides the retrieval query when this slot is offloaded;
	// empty means the user prompt is used.
	Query string
}

// Request describes one prompt to assemble. UserPrompt, JSONSchema, and
// SystemPrompt are mandatory; Optional slots are injected or offloaded.
type Request struct {
	RoleID         string
	UserPrompt     string
	JSONSchema     string
	SystemPrompt   string
	Optional       []Slot
	AvailableInput int
	SizeClass      int

	// NeverSkip is the cleanup-review discipline: a slot that does not
	// fit is always offloaded to RAG, never dropped.
	NeverSkip bool
}

// Result is the assembled prompt plus what went where.
type Result struct {
	Prompt     string
	TokenCount int
	Injected   []string
	Offloaded  []string
	Pack       *retrieval.ContextPack
}

const (
	slotHeaderOverhead = 16 // separator + header tokens per block, counted generously
	finalInstruction   = "Respond with a single JSON object matching the response schema above. Output only JSON."
)

// Allocator holds the budget knobs shared by every assembly.
type Allocator struct {
	retriever     Retriever
	counter       Counter
	minRAGReserve int
	safetyBuffer  int
}

// New builds an allocator. counter may be nil (estimate-based).
func New(retriever Retriever, counter Counter, minRAGReserve, safetyBuffer int) *Allocator {
	return &Allocator{
		retriever:     retriever,
		counter:       counter,
		minRAGReserve: minRAGReserve,
		safetyBuffer:  safetyBuffer,
	}
}

func (a *Allocator) count(text string) int {
	if a.counter != nil {
		return a.counter.Count(text)
	}
	return len(text) / 4
}

// Assemble runs the allocation algorithm: mandatory blocks first, then
// each optional slot in priority order is injected when it fits and
// still leaves the RAG reserve, otherwise offloaded; a single Retrieve
// call fills the remaining budget when anything was offloaded.
func (a *Allocator) Assemble(ctx context.Context, req Request) (*Result, error) {
	mandatory := a.count(req.UserPrompt) + a.count(req.JSONSchema) + a.count(req.SystemPrompt) +
		3*slotHeaderOverhead + a.count(finalInstruction)

	if a.count(req.UserPrompt) > req.AvailableInput {
		return nil, &ContextAllocationError{
			RoleID:    req.RoleID,
			Needed:    a.count(req.UserPrompt),
			Available: req.AvailableInput,
		}
	}
	if mandatory > req.AvailableInput {
		return nil, &ContextAllocationError{
			RoleID:    req.RoleID,
			Needed:    mandatory,
			Available: req.AvailableInput,
		}
	}

	remaining := req.AvailableInput - mandatory

	var injected []Slot
	var offloaded []Slot
	injectedTokens := 0

	for _, slot := range req.Optional {
		if slot.Content == "" {
			continue
		}
		cost := a.count(slot.Content) + slotHeaderOverhead
		if cost <= remaining && remaining-cost >= a.minRAGReserve {
			injected = append(injected, slot)
			injectedTokens += cost
			remaining -= cost
			continue
		}
		offloaded = append(offloaded, slot)
	}

	var pack *retrieval.ContextPack
	if len(offloaded) > 0 {
		budget := req.AvailableInput - mandatory - injectedTokens - slotHeaderOverhead - a.safetyBuffer
		if budget > 0 && a.retriever != nil {
			query := offloadQuery(req, offloaded)
			var err error
			pack, err = a.retriever.Retrieve(ctx, query, req.SizeClass, budget)
			if err != nil {
				if req.NeverSkip {
					return nil, fmt.Errorf("offloaded slot retrieval failed: %w", err)
				}
				slog.Warn("RAG offload failed; continuing without retrieved context",
					"role", req.RoleID,
					"error", err)
				pack = nil
			}
		} else if req.NeverSkip {
			return nil, &ContextAllocationError{RoleID: req.RoleID, Needed: mandatory + injectedTokens + a.minRAGReserve, Available: req.AvailableInput}
		}
	}

	result := a.render(req, injected, offloaded, pack)
	slog.Debug("Assembled context",
		"role", req.RoleID,
		"tokens", result.TokenCount,
		"available", req.AvailableInput,
		"injected", len(injected),
		"offloaded", len(offloaded))
	return result, nil
}

// offloadQuery picks the retrieval query: the first offloaded slot with
// an explicit query wins, else the user prompt.
func offloadQuery(req Request, offloaded []Slot) string {
	for _, s := range offloaded {
		if s.Query != "" {
			return s.Query
		}
	}
	return req.UserPrompt
}

func (a *Allocator) render(req Request, injected, offloaded []Slot, pack *retrieval.ContextPack) *Result {
	var sb strings.Builder

	sb.WriteString(req.UserPrompt)
	sb.WriteString("\n\n## Response Schema\n\n")
	sb.WriteString(req.JSONSchema)
	sb.WriteString("\n\n## Instructions\n\n")
	sb.WriteString(req.SystemPrompt)

	for _, slot := range injected {
		fmt.Fprintf(&sb, "\n\n## %s\n\n%s", slot.Name, slot.Content)
	}

	if pack != nil && pack.Text != "" {
		var names []string
		for _, s := range offloaded {
			names = append(names, s.Name)
		}
		fmt.Fprintf(&sb, "\n\n## Retrieved Context (%s)\n\n%s", strings.Join(names, ", "), pack.Text)
	}

	sb.WriteString("\n\n")
	sb.WriteString(finalInstruction)

	prompt := sb.String()
	result := &Result{
		Prompt:     prompt,
		TokenCount: a.count(prompt),
		Pack:       pack,
	}
	for _, s := range injected {
		result.Injected = append(result.Injected, s.Name)
	}
	for _, s := range offloaded {
		result.Offloaded = append(result.Offloaded, s.Name)
	}
	return result
}
