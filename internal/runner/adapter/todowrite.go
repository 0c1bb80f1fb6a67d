package adapter

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode"
)

// todoItem is a raw todo entry before normalization.
type todoItem struct {
	Content    string `json:"content"`
	ActiveForm string `json:"activeForm"`
	Status     string `json:"status"`
}

type todoEnvelope struct {
	Todos []todoItem `json:"todos"`
}

// extractTodos finds a TodoWrite-style object embedded in free text and
// returns its todo list. Agents print these mid-sentence, with braces
// inside string values and sometimes unquoted keys, so this walks the
// text for balanced candidate objects instead of pattern matching.
// Returns false when no parseable todos object is present.
func extractTodos(text string) ([]todoItem, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := balancedEnd(text, i)
		if !ok {
			// This brace never closes; an inner one still might.
			continue
		}
		candidate := text[i : end+1]
		if strings.Contains(candidate, "todos") {
			if items, ok := parseTodoObject(candidate); ok {
				return items, true
			}
		}
		// Try the next opening brace, including nested ones.
	}
	return nil, false
}

// balancedEnd returns the index of the brace closing the object opened at
// start. String literals are honored so braces inside values do not
// unbalance the scan.
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// parseTodoObject decodes a candidate object into a todo envelope. Strict
// JSON is tried first; if that fails the candidate is rewritten to quote
// bare keys and tried once more. Anything still unparseable is rejected
// rather than guessed at.
func parseTodoObject(candidate string) ([]todoItem, bool) {
	var env todoEnvelope
	if err := json.Unmarshal([]byte(candidate), &env); err == nil {
		if env.Todos != nil {
			return env.Todos, true
		}
		return nil, false
	}

	repaired, changed := quoteBareKeys(candidate)
	if !changed {
		return nil, false
	}
	env = todoEnvelope{}
	if err := json.Unmarshal([]byte(repaired), &env); err != nil {
		return nil, false
	}
	if env.Todos == nil {
		return nil, false
	}
	return env.Todos, true
}

// quoteBareKeys rewrites {todos: [...]} style objects into valid JSON by
// quoting identifier keys. Content inside string literals is untouched.
func quoteBareKeys(s string) (string, bool) {
	var out bytes.Buffer
	changed := false
	inString := false
	escaped := false
	expectKey := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			expectKey = false
			out.WriteByte(c)
		case c == '{' || c == ',':
			expectKey = true
			out.WriteByte(c)
		case expectKey && isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			// Only a key if a colon follows the identifier.
			k := j
			for k < len(s) && unicode.IsSpace(rune(s[k])) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				out.WriteByte('"')
				out.WriteString(s[i:j])
				out.WriteByte('"')
				changed = true
			} else {
				out.WriteString(s[i:j])
			}
			i = j - 1
			expectKey = false
		case unicode.IsSpace(rune(c)):
			out.WriteByte(c)
		default:
			expectKey = false
			out.WriteByte(c)
		}
	}
	return out.String(), changed
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
