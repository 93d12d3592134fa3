package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/intrafere/moto/pkg/allocator"
	"github.com/intrafere/moto/pkg/contract"
)

// submissionReply is the JSON contract a Tier-1 submitter must produce.
type submissionReply struct {
	Content   string `json:"content" jsonschema:"description=The submission content for the knowledge base"`
	Reasoning string `json:"reasoning" jsonschema:"description=Why this submission advances the research goal"`
	IsDecline bool   `json:"is_decline" jsonschema:"description=True when nothing new can be contributed"`
}

var submissionSchema = &contract.Schema{
	Name: "submission",
	Fields: []contract.Field{
		{Name: "content", Kind: contract.KindString, Required: true},
		{Name: "reasoning", Kind: contract.KindString},
		{Name: "is_decline", Kind: contract.KindBool},
	},
}

// Submitter is a Tier-1 aggregation submitter. Each submitter cycles
// through the configured chunk size classes so successive submissions
// retrieve at different granularities.
type Submitter struct {
	Agent
	ID             int
	ChunkIntervals []int
	SystemPrompt   string

	mu         sync.Mutex
	cycleIndex int
}

// SubmitContext carries the slot contents for one submission attempt.
// The coordinator snapshots store state into these strings.
type SubmitContext struct {
	TaskID         string
	ResearchPrompt string
	SharedTraining string
	LocalTraining  string
	RejectionLog   string
	UserFiles      string
}

// NextChunkSize advances the cyclic size selection: 256, 512, 768,
// 1024, then around again.
func (s *Submitter) NextChunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ChunkIntervals) == 0 {
		return 512
	}
	size := s.ChunkIntervals[s.cycleIndex%len(s.ChunkIntervals)]
	s.cycleIndex++
	return size
}

// Submit generates one candidate submission. Errors from the gateway or
// the contract layer surface to the coordinator, which converts them to
// a rejection.
func (s *Submitter) Submit(ctx context.Context, sc SubmitContext) (*Submission, error) {
	chunkSize := s.NextChunkSize()

	schemaText, err := contract.Render(&submissionReply{})
	if err != nil {
		return nil, err
	}

	result, err := s.Allocator.Assemble(ctx, allocator.Request{
		RoleID:       s.RoleID,
		UserPrompt:   sc.ResearchPrompt,
		JSONSchema:   schemaText,
		SystemPrompt: s.SystemPrompt,
		Optional: []allocator.Slot{
			{Name: "Shared Training", Content: sc.SharedTraining},
			{Name: "Your Local Training", Content: sc.LocalTraining},
			{Name: "Your Recent Rejections", Content: sc.RejectionLog},
			{Name: "User Files", Content: sc.UserFiles},
		},
		AvailableInput: s.AvailableInput(),
		SizeClass:      chunkSize,
	})
	if err != nil {
		return nil, err
	}

	obj, err := s.CompleteJSON(ctx, sc.TaskID, result.Prompt, submissionSchema)
	if err != nil {
		return nil, err
	}

	sub := NewSubmission(fmt.Sprintf("submitter_%d", s.ID), chunkSize)
	sub.Content = contract.GetString(obj, "content")
	sub.Reasoning = contract.GetString(obj, "reasoning")
	sub.IsDecline = contract.GetBool(obj, "is_decline")
	return sub, nil
}
