package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchBrainstormCreatesAndIncrements(t *testing.T) {
	s, err := OpenSession(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.TouchBrainstorm("topic-1", "map the failure modes"))
	meta, err := s.BrainstormMeta("topic-1")
	require.NoError(t, err)
	assert.Equal(t, "topic-1", meta.TopicID)
	assert.Equal(t, "map the failure modes", meta.Goal)
	assert.Equal(t, 1, meta.Acceptances)
	assert.False(t, meta.CreatedAt.IsZero())
	assert.False(t, meta.UpdatedAt.Before(meta.CreatedAt))
	created := meta.CreatedAt

	require.NoError(t, s.TouchBrainstorm("topic-1", "map the failure modes"))
	meta, err = s.BrainstormMeta("topic-1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Acceptances)
	assert.True(t, meta.CreatedAt.Equal(created))
}

func TestTouchBrainstormIsolatedPerTopic(t *testing.T) {
	s, err := OpenSession(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.TouchBrainstorm("topic-a", "goal a"))
	require.NoError(t, s.TouchBrainstorm("topic-b", "goal b"))
	require.NoError(t, s.TouchBrainstorm("topic-b", "goal b"))

	a, err := s.BrainstormMeta("topic-a")
	require.NoError(t, err)
	b, err := s.BrainstormMeta("topic-b")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Acceptances)
	assert.Equal(t, 2, b.Acceptances)
}

func TestBrainstormMetaMissingFile(t *testing.T) {
	s, err := OpenSession(t.TempDir())
	require.NoError(t, err)
	_, err = s.BrainstormMeta("never-touched")
	require.Error(t, err)
}
