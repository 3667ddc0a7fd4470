package decision

import (
	"encoding/json"
	"strings"
)

// ParseFirst extracts a decision from text by trying balanced {...} candidate
// spans in order of appearance, keeping the first that parses. Used for
// aggregator/one-shot prompts that are instructed to emit a single JSON
// object with no surrounding reasoning.
//
// If no candidate parses, the sentinel invalid-output decision for role is
// returned. ParseFirst never returns an error for unparseable text; a failed
// decision is a valid outcome.
func ParseFirst(text, role string) *Decision {
	for _, candidate := range candidates(text) {
		if d := tryUnmarshal(candidate); d != nil {
			return d
		}
	}
	return InvalidOutput(role)
}

// ParseLast extracts a decision by trying balanced {...} candidates from the
// end of the text backwards. Used for the verifier, which may think aloud
// before concluding: its final JSON object is the authoritative answer even
// when earlier candidate objects appear in the reasoning.
func ParseLast(text, role string) *Decision {
	spans := candidates(text)
	for i := len(spans) - 1; i >= 0; i-- {
		if d := tryUnmarshal(spans[i]); d != nil {
			return d
		}
	}
	return InvalidOutput(role)
}

// tryUnmarshal parses a candidate span into a Decision, rejecting spans that
// are valid JSON but carry no recognizable verdict. A span qualifies when it
// has a "decision" field with a known status, or at least a boolean "done".
func tryUnmarshal(candidate string) *Decision {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return nil
	}
	_, hasDecision := probe["decision"]
	_, hasDone := probe["done"]
	if !hasDecision && !hasDone {
		return nil
	}

	var d Decision
	if err := json.Unmarshal([]byte(candidate), &d); err != nil {
		return nil
	}

	if hasDecision && !d.Decision.Valid() {
		return nil
	}
	if !hasDecision {
		// Verdict expressed only through "done"; map it onto a status.
		if d.Done {
			d.Decision = StatusDone
		} else {
			d.Decision = StatusNotDone
		}
	}
	return &d
}

// candidates returns every balanced top-level {...} span in text, in order of
// appearance. Fenced ```json blocks are preferred: when any fenced span
// exists, only fenced spans are candidates, matching the instruction given to
// the models.
func candidates(text string) []string {
	if fenced := fencedSpans(text); len(fenced) > 0 {
		return fenced
	}
	return braceSpans(text)
}

// fencedSpans collects the contents of ```json ... ``` blocks.
func fencedSpans(text string) []string {
	var spans []string
	rest := text
	for {
		start := strings.Index(rest, "```json")
		if start == -1 {
			return spans
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end == -1 {
			return spans
		}
		if body := strings.TrimSpace(rest[:end]); body != "" {
			spans = append(spans, body)
		}
		rest = rest[end+3:]
	}
}

// braceSpans scans for balanced brace spans, tracking JSON string literals so
// braces inside quoted text do not unbalance the count.
func braceSpans(text string) []string {
	var spans []string

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		depth := 0
		inString := false
		escaped := false
		end := -1

	scan:
		for j := i; j < len(text); j++ {
			c := text[j]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
				// string contents are opaque
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					end = j
					break scan
				}
			}
		}

		if end == -1 {
			// Unbalanced from here to EOF; no later '{' can close either.
			break
		}
		spans = append(spans, text[i:end+1])
		i = end
	}

	return spans
}
