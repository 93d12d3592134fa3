package allocator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrafere/moto/pkg/retrieval"
)

// fakeRetriever records the budget it was asked for and returns a pack
// that respects it.
type fakeRetriever struct {
	lastQuery  string
	lastBudget int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, _ int, maxTokens int) (*retrieval.ContextPack, error) {
	f.lastQuery = query
	f.lastBudget = maxTokens
	text := "[Evidence 1 from shared_training]\nretrieved insight\n"
	return &retrieval.ContextPack{
		Text:     text,
		Evidence: []retrieval.Evidence{{ID: "c1", Source: "shared_training", Text: "retrieved insight"}},
		Metadata: retrieval.PackMetadata{ChunkCount: 1, TokenCount: len(text) / 4},
	}, nil
}

func TestAssembleAllDirect(t *testing.T) {
	a := New(&fakeRetriever{}, nil, 100, 50)

	res, err := a.Assemble(context.Background(), Request{
		RoleID:         "submitter",
		UserPrompt:     "research prompt",
		JSONSchema:     `{"type":"object"}`,
		SystemPrompt:   "you are a researcher",
		Optional:       []Slot{{Name: "Shared Training", Content: "a short insight"}},
		AvailableInput: 5000,
		SizeClass:      512,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Shared Training"}, res.Injected)
	assert.Empty(t, res.Offloaded)
	assert.Nil(t, res.Pack)
	assert.Contains(t, res.Prompt, "a short insight")
	assert.LessOrEqual(t, res.TokenCount, 5000)
}

func TestAssembleOffloadsOversizedSlot(t *testing.T) {
	fr := &fakeRetriever{}
	a := New(fr, nil, 1000, 100)

	// ~15k tokens of shared training against a 4k window.
	big := strings.Repeat("accepted submission text ", 2500)

	res, err := a.Assemble(context.Background(), Request{
		RoleID:         "submitter",
		UserPrompt:     "what is the answer",
		JSONSchema:     `{"type":"object"}`,
		SystemPrompt:   "system",
		Optional:       []Slot{{Name: "Shared Training", Content: big}},
		AvailableInput: 4000,
		SizeClass:      512,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Injected)
	assert.Equal(t, []string{"Shared Training"}, res.Offloaded)
	require.NotNil(t, res.Pack)
	assert.Equal(t, "what is the answer", fr.lastQuery)
	assert.Positive(t, fr.lastBudget)
	assert.Less(t, fr.lastBudget, 4000)
	assert.LessOrEqual(t, res.TokenCount, 4000)
}

func TestAssemblePriorityOrder(t *testing.T) {
	fr := &fakeRetriever{}
	a := New(fr, nil, 200, 50)

	high := strings.Repeat("high priority content ", 50)
	low := strings.Repeat("low priority content ", 2000)

	res, err := a.Assemble(context.Background(), Request{
		RoleID:         "submitter",
		UserPrompt:     "prompt",
		JSONSchema:     "{}",
		SystemPrompt:   "system",
		Optional:       []Slot{{Name: "High", Content: high}, {Name: "Low", Content: low}},
		AvailableInput: 3000,
		SizeClass:      512,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"High"}, res.Injected)
	assert.Equal(t, []string{"Low"}, res.Offloaded)
}

func TestAssembleUserPromptTooLarge(t *testing.T) {
	a := New(&fakeRetriever{}, nil, 100, 50)

	_, err := a.Assemble(context.Background(), Request{
		RoleID:         "submitter",
		UserPrompt:     strings.Repeat("word ", 10000),
		JSONSchema:     "{}",
		SystemPrompt:   "system",
		AvailableInput: 1000,
	})
	require.Error(t, err)

	var allocErr *ContextAllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, "submitter", allocErr.RoleID)
}

func TestAssembleEmptySlotsIgnored(t *testing.T) {
	a := New(&fakeRetriever{}, nil, 100, 50)

	res, err := a.Assemble(context.Background(), Request{
		RoleID:         "validator",
		UserPrompt:     "prompt",
		JSONSchema:     "{}",
		SystemPrompt:   "system",
		Optional:       []Slot{{Name: "Rejection Log", Content: ""}},
		AvailableInput: 2000,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Injected)
	assert.Empty(t, res.Offloaded)
}
