package retrieval

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	multiSpaceRe  = regexp.MustCompile(`[ \t]+`)
	multiBlankRe  = regexp.MustCompile(`\n{3,}`)
	sentenceEndRe = regexp.MustCompile(`([.!?])(\s+|$)`)
	tableRowRe    = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`)
	headerRe      = regexp.MustCompile(`(?m)^#{1,6}\s+\S|^[A-Z][A-Za-z ]{2,60}:?\s*$`)
)

// NormalizeText canonicalizes a document before chunking: NFC unicode,
// LF line endings, straight quotes and dashes, collapsed whitespace
// with paragraph breaks preserved.
func NormalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
		"–", "-", "—", "-",
		" ", " ",
	)
	text = replacer.Replace(text)

	text = multiSpaceRe.ReplaceAllString(text, " ")
	text = multiBlankRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitSentences segments normalized text into sentence runs. Paragraph
// breaks always terminate a run.
func splitSentences(text string) []string {
	var sentences []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		marked := sentenceEndRe.ReplaceAllString(para, "$1\x00")
		for _, s := range strings.Split(marked, "\x00") {
			s = strings.TrimSpace(s)
			if s != "" {
				sentences = append(sentences, s)
			}
		}
	}
	return sentences
}

// detectContentType classifies a chunk for metadata purposes only.
func detectContentType(text string) string {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.Contains(trimmed, "```") ||
		strings.Contains(trimmed, "def ") ||
		strings.Contains(trimmed, "func ") ||
		strings.Contains(trimmed, "return "):
		return "code"
	case tableRowRe.MatchString(trimmed):
		return "table"
	case strings.Contains(trimmed, "\\begin{equation}") ||
		strings.Contains(trimmed, "$$") ||
		strings.Contains(trimmed, "\\frac"):
		return "equation"
	case headerRe.MatchString(trimmed) && len(trimmed) < 200:
		return "section"
	default:
		return "text"
	}
}

// Chunker splits normalized documents into overlapping, sentence-aligned
// chunks at a target token size.
type Chunker struct {
	overlapRatio float64
	counter      interface{ Count(string) int }
}

// NewChunker builds a chunker. counter may be nil, in which case a
// 4-chars-per-token estimate is used.
func NewChunker(overlapRatio float64, counter interface{ Count(string) int }) *Chunker {
	return &Chunker{overlapRatio: overlapRatio, counter: counter}
}

func (c *Chunker) countTokens(text string) int {
	if c.counter != nil {
		return c.counter.Count(text)
	}
	return len(text) / 4
}

// Chunk segments content into chunks of roughly targetSize tokens with
// sentence-boundary-aware overlap. Chunk ids are deterministic per
// source, size class, and position.
func (c *Chunker) Chunk(source, content string, sizeClass int, permanent bool) []*Chunk {
	normalized := NormalizeText(content)
	if normalized == "" {
		return nil
	}

	sentences := splitSentences(normalized)
	if len(sentences) == 0 {
		return nil
	}

	overlapTokens := int(float64(sizeClass) * c.overlapRatio)

	var chunks []*Chunk
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, " ")
		position := len(chunks)
		chunks = append(chunks, &Chunk{
			ID:          fmt.Sprintf("%s:%d:%d", source, sizeClass, position),
			Text:        text,
			Source:      source,
			Position:    position,
			SizeClass:   sizeClass,
			Tokens:      Tokenize(text),
			IsPermanent: permanent,
			Metadata: ChunkMetadata{
				CharCount:     len(text),
				WordCount:     len(strings.Fields(text)),
				SentenceCount: len(current),
				ContentType:   detectContentType(text),
			},
		})
	}

	for _, sentence := range sentences {
		tokens := c.countTokens(sentence)
		if currentTokens+tokens > sizeClass && len(current) > 0 {
			flush()

			// Carry trailing sentences into the next chunk until the
			// overlap budget is spent.
			var carried []string
			carriedTokens := 0
			for i := len(current) - 1; i >= 0; i-- {
				t := c.countTokens(current[i])
				if carriedTokens+t > overlapTokens {
					break
				}
				carried = append([]string{current[i]}, carried...)
				carriedTokens += t
			}
			current = carried
			currentTokens = carriedTokens
		}
		current = append(current, sentence)
		currentTokens += tokens
	}
	flush()

	return chunks
}

// Tokenize lowercases and splits on whitespace, stripping punctuation,
// for the lexical index and coverage computation.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
