package parser

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const fence = "```"

// stripFences prefers the content of the first fenced block, without its language tag line.
func stripFences(text string) string {
	start := strings.Index(text, fence)
	if start < 0 {
		return text
	}

	body := text[start+len(fence):]

	if end := strings.Index(body, fence); end >= 0 {
		body = body[:end]
	}

	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isLanguageTag(body[:nl]) {
		body = body[nl+1:]
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return text
	}

	return body
}

func isLanguageTag(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	for _, r := range line {
		isWord := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '+'
		if !isWord {
			return false
		}
	}

	return true
}

// balancedObject returns the object starting at text[start] (which must be '{'),
// skipping braces inside JSON string literals.
func balancedObject(text string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

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
				return text[start : i+1], true
			}
		}
	}

	return "", false
}

// locateObject picks the JSON object to decode from a model reply. A reply that is
// already a complete object is used as is. Otherwise the first fenced block is tried
// and the whole reply is scanned when that block holds no plan.
func locateObject(text string) (string, bool) {
	if strings.HasPrefix(text, "{") {
		if object, ok := balancedObject(text, 0); ok && object == text {
			return text, true
		}
	}

	if stripped := stripFences(text); stripped != text {
		if found := scanObjects(stripped); found.plan != "" {
			return found.plan, true
		}
	}

	return extractObject(text)
}

type candidates struct {
	plan     string
	valid    string
	balanced string
}

// scanObjects walks every balanced object in text and stops at the first one that
// decodes as a plan (has "actions" or "error").
func scanObjects(text string) candidates {
	var found candidates

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		candidate, ok := balancedObject(text, i)
		if !ok {
			continue
		}

		if found.balanced == "" {
			found.balanced = candidate
		}

		var keys map[string]jsoniter.RawMessage
		if err := json.Unmarshal([]byte(candidate), &keys); err != nil {
			continue
		}

		if _, ok := keys["actions"]; ok {
			found.plan = candidate

			return found
		}

		if _, ok := keys["error"]; ok {
			found.plan = candidate

			return found
		}

		if found.valid == "" {
			found.valid = candidate
		}
	}

	return found
}

// extractObject returns the first plan object, else the first valid object, else the
// first balanced candidate so decoding reports the syntax error.
func extractObject(text string) (string, bool) {
	found := scanObjects(text)

	switch {
	case found.plan != "":
		return found.plan, true
	case found.valid != "":
		return found.valid, true
	case found.balanced != "":
		return found.balanced, true
	default:
		return "", false
	}
}
