package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTraining(t *testing.T) (*SharedTraining, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), SharedTrainingFile)
	st, err := NewSharedTraining(path, 500)
	require.NoError(t, err)
	return st, path
}

func TestSharedTrainingAppendNumbers(t *testing.T) {
	st, _ := newTestTraining(t)

	for i := 1; i <= 5; i++ {
		n, err := st.Append(fmt.Sprintf("insight %d", i))
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	assert.Equal(t, 5, st.Count())
	assert.Equal(t, 5, st.LastNumber())
}

func TestSharedTrainingRoundTrip(t *testing.T) {
	st, path := newTestTraining(t)

	contents := []string{
		"first insight\nwith a second line",
		"second insight",
		"third insight containing ==== short delimiters",
	}
	for _, c := range contents {
		_, err := st.Append(c)
		require.NoError(t, err)
	}

	reloaded, err := NewSharedTraining(path, 500)
	require.NoError(t, err)

	entries := reloaded.Entries()
	require.Len(t, entries, len(contents))
	for i, e := range entries {
		assert.Equal(t, i+1, e.Number)
		assert.Equal(t, contents[i], e.Content)
	}
	assert.Equal(t, 3, reloaded.LastNumber())
}

func TestSharedTrainingRemoveKeepsCounter(t *testing.T) {
	st, path := newTestTraining(t)

	for i := 1; i <= 3; i++ {
		_, err := st.Append(fmt.Sprintf("insight %d", i))
		require.NoError(t, err)
	}
	require.NoError(t, st.Remove(2))

	assert.Equal(t, 2, st.Count())
	// Numbers are never reissued after a removal.
	n, err := st.Append("insight 4")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	reloaded, err := NewSharedTraining(path, 500)
	require.NoError(t, err)
	var numbers []int
	for _, e := range reloaded.Entries() {
		numbers = append(numbers, e.Number)
	}
	assert.Equal(t, []int{1, 3, 4}, numbers)
}

func TestSharedTrainingRemoveMissing(t *testing.T) {
	st, _ := newTestTraining(t)
	_, err := st.Append("only entry")
	require.NoError(t, err)

	assert.Error(t, st.Remove(42))
}

func TestSharedTrainingContentNeverTruncated(t *testing.T) {
	st, path := newTestTraining(t)

	long := ""
	for i := 0; i < 2000; i++ {
		long += "x"
	}
	_, err := st.Append(long)
	require.NoError(t, err)

	reloaded, err := NewSharedTraining(path, 500)
	require.NoError(t, err)
	require.Len(t, reloaded.Entries(), 1)
	assert.Equal(t, long, reloaded.Entries()[0].Content)
}

func TestSharedTrainingLegacyFileFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SharedTrainingFile)
	require.NoError(t, writeFileAtomic(path, []byte("free-form notes without any delimiters\n")))

	st, err := NewSharedTraining(path, 500)
	require.NoError(t, err)
	entries := st.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Number)
	assert.Equal(t, "free-form notes without any delimiters", entries[0].Content)
}

func TestSharedTrainingRechunkFires(t *testing.T) {
	st, _ := newTestTraining(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	st.SetRechunk(func(content string) {
		got = content
		wg.Done()
	})

	_, err := st.Append("chunk me")
	require.NoError(t, err)
	wg.Wait()

	assert.Contains(t, got, "chunk me")
	assert.Contains(t, got, "SUBMISSION #1")
}
