package retrieval

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "crlf to lf",
			input:    "line one\r\nline two",
			expected: "line one\nline two",
		},
		{
			name:     "smart quotes and dashes",
			input:    "“hello” – ‘world’",
			expected: `"hello" - 'world'`,
		},
		{
			name:     "collapse runs of spaces",
			input:    "a    b\t\tc",
			expected: "a b c",
		},
		{
			name:     "cap blank lines at one",
			input:    "para one\n\n\n\n\npara two",
			expected: "para one\n\npara two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeText(tt.input))
		})
	}
}

func TestNormalizeTextIdempotent(t *testing.T) {
	input := "“Quoted”  text\r\nwith   –   dashes\n\n\n\nand paragraphs."
	once := NormalizeText(input)
	assert.Equal(t, once, NormalizeText(once))
}

func TestSplitSentences(t *testing.T) {
	text := "First sentence. Second one! Third?\n\nNew paragraph without terminator"
	sentences := splitSentences(text)
	require.Len(t, sentences, 4)
	assert.Equal(t, "First sentence.", sentences[0])
	assert.Equal(t, "Second one!", sentences[1])
	assert.Equal(t, "Third?", sentences[2])
	assert.Equal(t, "New paragraph without terminator", sentences[3])
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"code fence", "```\nx = 1\n```", "code"},
		{"table row", "| a | b |\n| 1 | 2 |", "table"},
		{"equation", "the identity \\frac{1}{2}", "equation"},
		{"prose", "Plain running text about nothing in particular, long enough that it does not look like a header.", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, detectContentType(tt.text))
		})
	}
}

func TestChunkerProducesOverlappingChunks(t *testing.T) {
	// ~14 estimated tokens per sentence, so a 30-token size class holds
	// two sentences and the 50% overlap carries one of them forward.
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&sb, "Sentence number %d fills roughly forty characters in total. ", i)
	}

	c := NewChunker(0.5, nil)
	chunks := c.Chunk("doc.txt", sb.String(), 30, false)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.Equal(t, "doc.txt", ch.Source)
		assert.Equal(t, i, ch.Position)
		assert.Equal(t, 30, ch.SizeClass)
		assert.NotEmpty(t, ch.Tokens)
	}

	// Consecutive chunks share the carried overlap sentence.
	first := splitSentences(chunks[0].Text)
	second := splitSentences(chunks[1].Text)
	assert.Equal(t, first[len(first)-1], second[0])
}

func TestChunkerDeterministicIDs(t *testing.T) {
	c := NewChunker(0.2, nil)
	a := c.Chunk("notes.txt", "One sentence here. Another sentence here.", 512, false)
	b := c.Chunk("notes.txt", "One sentence here. Another sentence here.", 512, false)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "notes.txt:512:0", a[0].ID)
	assert.Equal(t, a[0].ID, b[0].ID)
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(0.2, nil)
	assert.Nil(t, c.Chunk("doc", "", 512, false))
	assert.Nil(t, c.Chunk("doc", "   \n\n  ", 512, false))
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Quick, brown FOX (jumps)!")
	assert.Equal(t, []string{"the", "quick", "brown", "fox", "jumps"}, tokens)
}
