package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intrafere/moto/pkg/config"
	"github.com/intrafere/moto/pkg/contract"
	"github.com/intrafere/moto/pkg/gateway"
	"github.com/intrafere/moto/pkg/store"
)

// scriptedCompleter returns canned replies in order and records the
// conversations it was sent.
type scriptedCompleter struct {
	replies []string
	calls   [][]gateway.Message
}

func (s *scriptedCompleter) Completion(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	s.calls = append(s.calls, req.Messages)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return &gateway.CompletionResponse{
		Choices: []gateway.Choice{{Message: gateway.ChoiceMessage{Content: reply}}},
	}, nil
}

func testAgent(completer Completer) Agent {
	return Agent{
		RoleID: "test",
		Role: config.RoleConfig{
			Model:           "test-model",
			ContextWindow:   32000,
			MaxOutputTokens: 4000,
		},
		Gateway:      completer,
		SafetyMargin: 1000,
	}
}

func TestSubmitterCyclicChunkSize(t *testing.T) {
	s := &Submitter{ChunkIntervals: []int{256, 512, 768, 1024}}

	var sizes []int
	for i := 0; i < 6; i++ {
		sizes = append(sizes, s.NextChunkSize())
	}
	assert.Equal(t, []int{256, 512, 768, 1024, 256, 512}, sizes)
}

func TestCompleteJSONConversationalRetry(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{
		"this is not json at all, sorry",
		`{"decision": "accept", "reasoning": "fine"}`,
	}}
	agent := testAgent(completer)

	obj, err := agent.CompleteJSON(context.Background(), "task-1", "validate this", approvalSchema)
	require.NoError(t, err)
	assert.Equal(t, "accept", contract.GetString(obj, "decision"))

	// The retry conversation carries the failed output as an assistant
	// turn plus a fix-it instruction.
	require.Len(t, completer.calls, 2)
	retry := completer.calls[1]
	require.Len(t, retry, 3)
	assert.Equal(t, "assistant", retry[1].Role)
	assert.Contains(t, retry[1].Content, "not json")
	assert.Contains(t, retry[2].Content, "JSON was invalid")
}

func TestCompleteJSONFirstTryValid(t *testing.T) {
	completer := &scriptedCompleter{replies: []string{`{"decision": "reject", "reasoning": "weak"}`}}
	agent := testAgent(completer)

	obj, err := agent.CompleteJSON(context.Background(), "task-1", "validate", approvalSchema)
	require.NoError(t, err)
	assert.Equal(t, "reject", contract.GetString(obj, "decision"))
	assert.Len(t, completer.calls, 1)
}

func TestPrevalidatePlacement(t *testing.T) {
	doc := "alpha beta gamma beta delta"

	tests := []struct {
		name      string
		oldString string
		wantCount int
		wantErr   bool
	}{
		{"unique match", "gamma", 1, false},
		{"duplicate match", "beta", 2, true},
		{"no match", "epsilon", 0, true},
		{"empty old_string", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PrevalidatePlacement(doc, tt.oldString)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var pmf *PlacementMatchFailure
			require.ErrorAs(t, err, &pmf)
			assert.Equal(t, tt.wantCount, pmf.CountFound)
			assert.Contains(t, err.Error(), "Exact String Match")
		})
	}
}

func TestApplyEdit(t *testing.T) {
	doc := "first paragraph.\nsecond paragraph.\nthird paragraph."

	t.Run("replace", func(t *testing.T) {
		out, err := ApplyEdit(doc, &CompilerEdit{
			Operation: OpReplace,
			OldString: "second paragraph.",
			Content:   "revised second paragraph.",
		})
		require.NoError(t, err)
		assert.Contains(t, out, "revised second paragraph.")
		assert.NotContains(t, out, "\nsecond paragraph.\n")
	})

	t.Run("insert_after", func(t *testing.T) {
		out, err := ApplyEdit(doc, &CompilerEdit{
			Operation: OpInsertAfter,
			OldString: "second paragraph.",
			Content:   "inserted paragraph.",
		})
		require.NoError(t, err)
		assert.Contains(t, out, "second paragraph.\ninserted paragraph.")
	})

	t.Run("delete", func(t *testing.T) {
		out, err := ApplyEdit(doc, &CompilerEdit{
			Operation: OpDelete,
			OldString: "\nsecond paragraph.",
		})
		require.NoError(t, err)
		assert.NotContains(t, out, "second paragraph.")
	})

	t.Run("full_content", func(t *testing.T) {
		out, err := ApplyEdit(doc, &CompilerEdit{
			Operation: OpFullContent,
			Content:   "entirely new document.",
		})
		require.NoError(t, err)
		assert.Equal(t, "entirely new document.", out)
	})

	t.Run("ambiguous anchor fails", func(t *testing.T) {
		_, err := ApplyEdit(doc+"\nsecond paragraph.", &CompilerEdit{
			Operation: OpReplace,
			OldString: "second paragraph.",
			Content:   "x",
		})
		assert.Error(t, err)
	})
}

func TestFindRedundant(t *testing.T) {
	entries := []store.AcceptedEntry{
		{Number: 1, Content: "the quick brown fox jumps over the lazy dog"},
		{Number: 2, Content: "an entirely different insight about prime numbers"},
	}

	n, overlap := findRedundant("the quick brown fox jumps over the lazy dog", entries)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 1.0, overlap, 0.001)

	n, _ = findRedundant("a completely novel contribution on graph theory", entries)
	assert.Equal(t, 0, n)
}

func TestValidatorRejectsDecline(t *testing.T) {
	v := &Validator{Agent: testAgent(&scriptedCompleter{replies: []string{"{}"}})}

	sub := NewSubmission("submitter_1", 512)
	sub.IsDecline = true

	result, err := v.Validate(context.Background(), ValidateContext{TaskID: "t"}, sub)
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.True(t, result.ContradictionCheckPassed)
}

func TestRejectResultShape(t *testing.T) {
	r := RejectResult("sub-1", "gateway exploded")
	assert.Equal(t, DecisionReject, r.Decision)
	assert.False(t, r.JSONValid)
	assert.Equal(t, "sub-1", r.SubmissionID)
}
