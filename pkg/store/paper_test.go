package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaper(t *testing.T) *Paper {
	t.Helper()
	return NewPaper(filepath.Join(t.TempDir(), PaperFile))
}

func TestPaperWriteAnchorDiscipline(t *testing.T) {
	p := newTestPaper(t)

	// Incoming text smuggles two anchors; the write strips both and
	// re-appends exactly one at EOF.
	require.NoError(t, p.Write("some body\n"+PaperAnchor+"\nmore body\n"+PaperAnchor))

	raw, err := os.ReadFile(p.path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), PaperAnchor))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(raw)), PaperAnchor))

	content, err := p.Content()
	require.NoError(t, err)
	assert.NotContains(t, content, PaperAnchor)
}

func TestPaperSkeletonAndReplacePlaceholder(t *testing.T) {
	p := newTestPaper(t)
	require.NoError(t, p.InitializeSkeleton("Section 1\n\nBody prose goes here."))

	content, err := p.Content()
	require.NoError(t, err)
	for _, s := range sectionOrder {
		assert.Equal(t, 1, strings.Count(content, s.Placeholder()))
	}

	conclusion := strings.Repeat("A substantial conclusion paragraph. ", 12)
	require.NoError(t, p.ReplacePlaceholder(SectionConclusion, conclusion))

	content, err = p.Content()
	require.NoError(t, err)
	assert.NotContains(t, content, SectionConclusion.Placeholder())
	assert.Contains(t, content, "A substantial conclusion paragraph.")

	// A second replace of the same section must fail: the placeholder is
	// gone.
	assert.Error(t, p.ReplacePlaceholder(SectionConclusion, "again"))
}

func TestPaperReplacePlaceholderDuplicate(t *testing.T) {
	p := newTestPaper(t)
	dup := SectionAbstract.Placeholder() + "\n\nbody\n\n" + SectionAbstract.Placeholder()
	require.NoError(t, p.Write(dup))

	err := p.ReplacePlaceholder(SectionAbstract, "the abstract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 times")
}

func TestEnsureMarkersIntactFixedPoint(t *testing.T) {
	p := newTestPaper(t)

	// Body prose with the conclusion placeholder missing and the anchor
	// duplicated.
	broken := "Abstract\n\n" + SectionAbstract.Placeholder() + "\n\n" +
		"Introduction\n\n" + SectionIntroduction.Placeholder() + "\n\n" +
		"The body of the paper, long enough to matter.\n" + PaperAnchor + "\n" + PaperAnchor
	require.NoError(t, os.WriteFile(p.path, []byte(broken), 0o644))

	repaired, err := p.EnsureMarkersIntact()
	require.NoError(t, err)
	assert.True(t, repaired)

	content, err := p.Content()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(content, SectionConclusion.Placeholder()))

	raw, err := os.ReadFile(p.path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), PaperAnchor))

	// Second call is a no-op.
	repaired, err = p.EnsureMarkersIntact()
	require.NoError(t, err)
	assert.False(t, repaired)
}

func TestEnsureMarkersIntactDropsDuplicatePlaceholders(t *testing.T) {
	p := newTestPaper(t)
	text := SectionAbstract.Placeholder() + "\n\nbody text here\n\n" +
		SectionAbstract.Placeholder() + "\n\n" +
		SectionIntroduction.Placeholder() + "\n\n" +
		SectionConclusion.Placeholder()
	require.NoError(t, p.Write(text))

	repaired, err := p.EnsureMarkersIntact()
	require.NoError(t, err)
	assert.True(t, repaired)

	content, err := p.Content()
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(content, SectionAbstract.Placeholder()))
}

func TestRealContentDetector(t *testing.T) {
	longProse := strings.Repeat("Dense argumentative prose with citations. ", 10)

	tests := []struct {
		name string
		text string
		want bool
	}{
		{
			name: "long follow-on is real",
			text: "Abstract\n" + longProse,
			want: true,
		},
		{
			name: "placeholder wording is not real",
			text: "Abstract\nThis placeholder will be replaced once the body is done.",
			want: false,
		},
		{
			name: "short but keyword-free is real",
			text: "Abstract\nWe prove the main theorem under weak assumptions here.",
			want: true,
		},
		{
			name: "too short is not real",
			text: "Abstract\nTBD.",
			want: false,
		},
		{
			name: "no header is not real",
			text: longProse,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := detectSection(tt.text, SectionAbstract)
			assert.Equal(t, tt.want, state.HasRealContent)
		})
	}
}

func TestDetectorBoundedByNextHeader(t *testing.T) {
	// The introduction's long prose must not count toward the abstract.
	text := "Abstract\nshort placeholder note to be written\nIntroduction\n" +
		strings.Repeat("Very long introduction text. ", 20)
	state := detectSection(text, SectionAbstract)
	assert.False(t, state.HasRealContent)

	state = detectSection(text, SectionIntroduction)
	assert.True(t, state.HasRealContent)
}
