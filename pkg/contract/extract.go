// Package contract extracts, repairs, and validates the JSON replies the
// pipeline's agents are contractually required to emit. LLM output is
// free-form text that should contain exactly one JSON object or array,
// possibly wrapped in a fenced code block or followed by stray prose.
package contract

import (
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Extract picks the JSON payload out of raw model output. It prefers a
// fenced code block; otherwise it takes the first balanced object or
// array.
func Extract(text string) (string, error) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if candidate != "" {
			return candidate, nil
		}
	}

	if candidate := firstBalanced(text); candidate != "" {
		return candidate, nil
	}

	snippet := text
	if len(snippet) > 80 {
		snippet = snippet[:80]
	}
	return "", &NoJSONFoundError{Snippet: snippet}
}

// firstBalanced returns the first balanced {...} or [...] region,
// tolerating quotes and escapes inside string literals.
func firstBalanced(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if text[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++ // consume escaped char, valid or not
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
