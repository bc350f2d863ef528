package review

import "encoding/json"

// Verdict is the reviewer's structured output.
type Verdict struct {
	Passed bool
	Issues []string
}

type rawVerdict struct {
	Result string            `json:"result"`
	Issues []json.RawMessage `json:"issues"`
}

type issueObject struct {
	Description string `json:"description"`
}

// ParseResult scans agent output for the final structured verdict. Reviewer
// output is free-form text with JSON objects mixed in, so the scan finds
// every balanced top-level {...} span (brace counting that skips braces
// inside JSON strings, honoring backslash escapes), tries each as a verdict,
// and keeps the last one that has a valid "result" field. Returns ok=false
// when no candidate parses.
func ParseResult(output string) (Verdict, bool) {
	var (
		verdict Verdict
		found   bool
	)
	for _, candidate := range jsonCandidates(output) {
		var raw rawVerdict
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		switch raw.Result {
		case "pass":
			verdict = Verdict{Passed: true, Issues: parseIssues(raw.Issues)}
			found = true
		case "fail":
			verdict = Verdict{Passed: false, Issues: parseIssues(raw.Issues)}
			found = true
		}
	}
	return verdict, found
}

// jsonCandidates returns every balanced top-level brace span in order.
func jsonCandidates(output string) []string {
	var (
		candidates []string
		depth      int
		start      int
		inString   bool
		escaped    bool
	)
	for i := 0; i < len(output); i++ {
		c := output[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidates = append(candidates, output[start:i+1])
			}
		}
	}
	return candidates
}

// parseIssues accepts both plain strings and objects with a description.
func parseIssues(raw []json.RawMessage) []string {
	var issues []string
	for _, entry := range raw {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			issues = append(issues, s)
			continue
		}
		var obj issueObject
		if err := json.Unmarshal(entry, &obj); err == nil && obj.Description != "" {
			issues = append(issues, obj.Description)
		}
	}
	return issues
}
