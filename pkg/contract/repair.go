package contract

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Stage identifies which repair strategy produced a parseable document.
type Stage string

const (
	StageStrict      Stage = "strict"
	StageUnicode     Stage = "unicode_normalization"
	StageLaTeX       Stage = "latex_escape"
	StagePlaceholder Stage = "safe_placeholder"
	StageAggressive  Stage = "aggressive"
)

// stages are tried in order; each transform is applied to the original
// extracted text cumulatively (every stage builds on the previous one,
// matching the escalation ladder: strict, unicode, latex, placeholder,
// aggressive).
func repairStages() []struct {
	stage Stage
	fn    func(string) string
} {
	return []struct {
		stage Stage
		fn    func(string) string
	}{
		{StageStrict, func(s string) string { return s }},
		{StageUnicode, normalizeUnicodeEscapes},
		{StageLaTeX, escapeLaTeX},
		{StagePlaceholder, placeholderRewrite},
		{StageAggressive, aggressiveRepair},
	}
}

// Repair attempts the staged repair pipeline and returns the first
// variant accepted by the JSON parser along with the stage that
// succeeded.
func Repair(text string) (string, Stage, error) {
	candidate := text
	var lastStage Stage
	var lastErr error

	for _, s := range repairStages() {
		candidate = s.fn(candidate)
		lastStage = s.stage
		var probe any
		if err := json.Unmarshal([]byte(candidate), &probe); err == nil {
			if s.stage != StageStrict {
				slog.Debug("JSON repaired", "stage", string(s.stage))
			}
			return candidate, s.stage, nil
		} else {
			lastErr = err
		}
	}

	detail := "unparseable after all repair stages"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	return "", lastStage, &ParseError{Stage: lastStage, Detail: detail, Err: lastErr}
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// normalizeUnicodeEscapes fixes \u escapes with the wrong number of hex
// digits. Four digits pass through; five or more parse as a valid escape
// plus literal tail, so only short escapes (1-3 digits) need the
// backslash doubled to demote them to literal text.
func normalizeUnicodeEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] == '\\' {
			j++
		}
		run := j - i
		if run%2 == 0 || j >= len(s) || s[j] != 'u' {
			b.WriteString(s[i:j])
			i = j
			continue
		}
		hex := 0
		for k := j + 1; k < len(s) && hex < 4 && isHexDigit(s[k]); k++ {
			hex++
		}
		b.WriteString(s[i : j-1]) // backslashes before the escaping one
		if hex == 4 {
			b.WriteString(`\u`)
		} else {
			b.WriteString(`\\u`)
		}
		i = j + 1
	}
	return b.String()
}

// escapeLaTeX doubles the backslash on LaTeX delimiters and commands
// unless the sequence is already a valid JSON escape or is itself
// escaped. Sequences like \n survive untouched even when they open a
// command such as \nabla; the later stages handle those.
func escapeLaTeX(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	i := 0
	for i < len(s) {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && s[j] == '\\' {
			j++
		}
		run := j - i
		if run%2 == 0 || j >= len(s) {
			b.WriteString(s[i:j])
			i = j
			continue
		}
		next := s[j]
		switch {
		case next == '"' || next == '\\' || next == '/' ||
			next == 'b' || next == 'f' || next == 'n' || next == 'r' || next == 't':
			b.WriteString(s[i:j])
		case next == 'u' && j+4 < len(s) &&
			isHexDigit(s[j+1]) && isHexDigit(s[j+2]) && isHexDigit(s[j+3]) && isHexDigit(s[j+4]):
			b.WriteString(s[i:j])
		case next == '(' || next == ')' || next == '[' || next == ']' || next == '{' || next == '}':
			b.WriteString(s[i:j])
			b.WriteByte('\\')
		case isASCIILetter(next):
			b.WriteString(s[i:j])
			b.WriteByte('\\')
		default:
			b.WriteString(s[i:j])
		}
		i = j
	}
	return b.String()
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

var placeholderTokens = []struct {
	escape string
	token  string
}{
	{`\\`, "<<<BACKSLASH>>>"},
	{`\"`, "<<<QUOTE>>>"},
	{`\n`, "<<<NEWLINE>>>"},
	{`\r`, "<<<CARRIAGE>>>"},
	{`\t`, "<<<TAB>>>"},
	{`\b`, "<<<BACKSPACE>>>"},
	{`\f`, "<<<FORMFEED>>>"},
	{`\/`, "<<<SLASH>>>"},
}

// placeholderRewrite protects every valid escape inside string literals
// with a reserved token, doubles any surviving raw backslash, then
// restores the tokens.
func placeholderRewrite(s string) string {
	return mapStringLiterals(s, func(lit string) string {
		protected := lit

		// Protect \uXXXX first so its backslash is not treated as raw.
		var b strings.Builder
		i := 0
		for i < len(protected) {
			if protected[i] == '\\' && i+5 < len(protected) && protected[i+1] == 'u' &&
				isHexDigit(protected[i+2]) && isHexDigit(protected[i+3]) &&
				isHexDigit(protected[i+4]) && isHexDigit(protected[i+5]) {
				b.WriteString("<<<UNICODE:")
				b.WriteString(protected[i+2 : i+6])
				b.WriteString(">>>")
				i += 6
				continue
			}
			b.WriteByte(protected[i])
			i++
		}
		protected = b.String()

		for _, pt := range placeholderTokens {
			protected = strings.ReplaceAll(protected, pt.escape, pt.token)
		}

		protected = strings.ReplaceAll(protected, `\`, `\\`)

		for _, pt := range placeholderTokens {
			protected = strings.ReplaceAll(protected, pt.token, pt.escape)
		}

		// Restore unicode placeholders.
		for {
			start := strings.Index(protected, "<<<UNICODE:")
			if start < 0 {
				break
			}
			end := strings.Index(protected[start:], ">>>")
			if end < 0 {
				break
			}
			hex := protected[start+len("<<<UNICODE:") : start+end]
			protected = protected[:start] + `\u` + hex + protected[start+end+3:]
		}

		return protected
	})
}

// aggressiveRepair keeps only backslash sequences that form a recognized
// JSON escape inside string literals and drops every other backslash.
func aggressiveRepair(s string) string {
	return mapStringLiterals(s, func(lit string) string {
		var b strings.Builder
		b.Grow(len(lit))
		i := 0
		for i < len(lit) {
			if lit[i] != '\\' {
				b.WriteByte(lit[i])
				i++
				continue
			}
			if i+1 >= len(lit) {
				i++
				continue
			}
			next := lit[i+1]
			switch {
			case next == '"' || next == '\\' || next == '/' ||
				next == 'b' || next == 'f' || next == 'n' || next == 'r' || next == 't':
				b.WriteByte('\\')
				b.WriteByte(next)
				i += 2
			case next == 'u' && i+5 < len(lit) &&
				isHexDigit(lit[i+2]) && isHexDigit(lit[i+3]) && isHexDigit(lit[i+4]) && isHexDigit(lit[i+5]):
				b.WriteString(lit[i : i+6])
				i += 6
			default:
				// Drop the backslash, keep the character.
				i++
			}
		}
		return b.String()
	})
}

// mapStringLiterals applies fn to the content of every string literal in
// a possibly invalid JSON document. The scanner consumes backslash pairs
// unconditionally so broken escapes do not desynchronize quote tracking.
func mapStringLiterals(s string, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if s[i] != '"' {
			b.WriteByte(s[i])
			i++
			continue
		}
		// Find the end of the literal.
		j := i + 1
		for j < len(s) {
			if s[j] == '\\' {
				j += 2
				continue
			}
			if s[j] == '"' {
				break
			}
			j++
		}
		if j >= len(s) {
			// Unterminated literal; pass through untouched.
			b.WriteString(s[i:])
			return b.String()
		}
		b.WriteByte('"')
		b.WriteString(fn(s[i+1 : j]))
		b.WriteByte('"')
		i = j + 1
	}
	return b.String()
}
