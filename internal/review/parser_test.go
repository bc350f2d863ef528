package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultPass(t *testing.T) {
	output := `Reviewing changes...
All checks completed.
{"result": "pass", "issues": []}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.True(t, verdict.Passed)
	assert.Empty(t, verdict.Issues)
}

func TestParseResultFailWithIssues(t *testing.T) {
	output := `{"result": "fail", "issues": ["missing tests", "unused import"]}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.False(t, verdict.Passed)
	assert.Equal(t, []string{"missing tests", "unused import"}, verdict.Issues)
}

func TestParseResultIssueObjects(t *testing.T) {
	output := `{"result": "fail", "issues": [{"description": "handler ignores errors"}, "also: no logging"]}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.Equal(t, []string{"handler ignores errors", "also: no logging"}, verdict.Issues)
}

func TestParseResultLastVerdictWins(t *testing.T) {
	output := `First attempt: {"result": "fail", "issues": ["flaky test"]}
Re-ran the suite, all green now.
{"result": "pass", "issues": []}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.True(t, verdict.Passed)
}

func TestParseResultSkipsBracesInStrings(t *testing.T) {
	output := `{"result": "fail", "issues": ["code prints {\"result\": \"pass\"} to stdout"]}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.False(t, verdict.Passed)
	require.Len(t, verdict.Issues, 1)
	assert.Contains(t, verdict.Issues[0], `{"result": "pass"}`)
}

func TestParseResultNestedObjects(t *testing.T) {
	output := `tool call: {"name": "bash", "input": {"command": "go test"}}
{"result": "pass", "issues": []}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.True(t, verdict.Passed)
}

func TestParseResultNoVerdict(t *testing.T) {
	cases := []string{
		"",
		"plain text output with no JSON at all",
		`{"name": "not a verdict"}`,
		`{"result": "maybe", "issues": []}`,
		`{"result": "pass", "issues": []`, // unbalanced, never closes
	}
	for _, output := range cases {
		_, ok := ParseResult(output)
		assert.False(t, ok, "output %q should not yield a verdict", output)
	}
}

func TestParseResultUnbalancedThenValid(t *testing.T) {
	output := `{"broken": true
{"result": "fail", "issues": ["x"]}`

	// The broken open brace swallows the rest into one unbalanced span, so
	// the scanner finds no candidate; a later balanced verdict still parses
	// when the stray brace is closed.
	_, ok := ParseResult(output)
	assert.False(t, ok)

	verdict, ok := ParseResult(`garbage } noise {"result": "fail", "issues": []}`)
	require.True(t, ok)
	assert.False(t, verdict.Passed)
}

func TestParseResultEscapedQuoteInString(t *testing.T) {
	output := `{"result": "fail", "issues": ["message says \"done\" but exit code is 1"]}`

	verdict, ok := ParseResult(output)
	require.True(t, ok)
	assert.Equal(t, []string{`message says "done" but exit code is 1`}, verdict.Issues)
}
