package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter(t *testing.T) *TokenCounter {
	t.Helper()
	tc, err := NewTokenCounter()
	require.NoError(t, err)
	return tc
}

func TestBuildPromptIncludesCommandParts(t *testing.T) {
	tc := newCounter(t)
	prompt := BuildPrompt(tc, Request{
		Action:    "create-file",
		Arguments: []string{"a b.ts"},
		Options:   map[string]string{"lang": "ts"},
		Source:    "issue ENG-1",
	}, 0)

	assert.Contains(t, prompt, "Command: create-file")
	assert.Contains(t, prompt, "Arguments: a b.ts")
	assert.Contains(t, prompt, "Option lang: ts")
	assert.Contains(t, prompt, "Source: issue ENG-1")
}

func TestBuildPromptOptionsAreSorted(t *testing.T) {
	tc := newCounter(t)
	prompt := BuildPrompt(tc, Request{
		Action:  "run",
		Options: map[string]string{"zeta": "1", "alpha": "2"},
		Source:  "s",
	}, 0)

	assert.Less(t, strings.Index(prompt, "alpha"), strings.Index(prompt, "zeta"))
}

func TestBuildPromptTruncatesContextToBudget(t *testing.T) {
	tc := newCounter(t)
	req := Request{
		Action: "summarize",
		Source: "issue ENG-2",
		Context: map[string]any{
			"history": strings.Repeat("lorem ipsum dolor sit amet ", 2000),
		},
	}

	prompt := BuildPrompt(tc, req, 200)
	assert.LessOrEqual(t, tc.Count(prompt), 250)
	// The command itself must survive truncation.
	assert.Contains(t, prompt, "Command: summarize")
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter // nil counter falls back to estimation
	assert.Equal(t, 2, tc.Count("12345678"))
}

func TestMockBackendScriptedResponses(t *testing.T) {
	m := NewMockBackend([]Result{{Success: true, Response: "first"}}, nil)

	r, err := m.Execute(context.Background(), Request{Action: "x", Source: "s"})
	require.NoError(t, err)
	assert.Equal(t, "first", r.Response)

	// Exhausted script echoes the action.
	r, err = m.Execute(context.Background(), Request{Action: "deploy", Source: "s"})
	require.NoError(t, err)
	assert.Contains(t, r.Response, "deploy")
	assert.Equal(t, 2, m.CallCount())
}
