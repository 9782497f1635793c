package research

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
)

// loopClient replays canned decision responses in call order.
type loopClient struct {
	mu        sync.Mutex
	responses []string
}

func (c *loopClient) next() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r, nil
}

func (c *loopClient) Query(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	content, err := c.next()
	if err != nil {
		return nil, err
	}
	return &interfaces.ModelResponse{Model: model, Content: content}, nil
}

func (c *loopClient) QueryWithRetry(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	return c.Query(ctx, model, messages, opts)
}

func (c *loopClient) QueryStream(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (<-chan interfaces.StreamChunk, error) {
	return nil, errors.New("streaming not scripted")
}

func (c *loopClient) QueryModelsParallel(ctx context.Context, models []string, messages []interfaces.Message, opts *interfaces.QueryOptions) map[string]*interfaces.ModelResponse {
	return nil
}

// loopRegistry serves one tool with canned results.
type loopRegistry struct {
	mu     sync.Mutex
	tool   interfaces.ToolInfo
	result interfaces.ToolResult
	calls  []string
}

func (r *loopRegistry) CallTool(ctx context.Context, fullName string, args map[string]interface{}) interfaces.ToolResult {
	r.mu.Lock()
	r.calls = append(r.calls, fullName)
	r.mu.Unlock()
	return r.result
}

func (r *loopRegistry) ShouldUseTools(query string) bool { return true }
func (r *loopRegistry) ListTools() []interfaces.ToolInfo { return []interfaces.ToolInfo{r.tool} }
func (r *loopRegistry) HasTool(fullName string) bool     { return fullName == r.tool.FullName }
func (r *loopRegistry) GetDetailedToolInfo() string      { return "## Server: test" }

func researchTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Models.Council = []config.ModelRef{{ID: "model-a"}}
	cfg.Models.Chairman = config.ModelRef{ID: "chairman"}
	return cfg
}

func TestRunThinkActLoop(t *testing.T) {
	registry := &loopRegistry{
		tool:   interfaces.ToolInfo{Name: "search", FullName: "web.search"},
		result: interfaces.ToolResult{Success: true, Output: "Berlin has 3.8M residents"},
	}
	client := &loopClient{responses: []string{
		`{"thought_process": "need the figure", "status": "WORKING", "action": {"name": "web.search", "parameters": {"query": "Berlin population"}}}`,
		`{"thought_process": "have it", "status": "FINISHED", "final_answer": "About 3.8M residents."}`,
	}}
	c := New(researchTestConfig(), client, registry)

	result := c.Run(context.Background(), "how many people live in Berlin", nil)

	assert.True(t, result.Success)
	assert.Equal(t, StatusFinished, result.Status)
	assert.Equal(t, "About 3.8M residents.", result.Answer)
	assert.Equal(t, 2, result.RoundsTaken)
	require.Len(t, result.Actions, 2)
	assert.Equal(t, "web.search", result.Actions[0].Tool)
	assert.True(t, result.Actions[0].Success)
	assert.Equal(t, []string{"web.search"}, registry.calls)
}

func TestRunStopsAtRoundBudget(t *testing.T) {
	registry := &loopRegistry{
		tool:   interfaces.ToolInfo{Name: "search", FullName: "web.search"},
		result: interfaces.ToolResult{Success: false, Error: "no results"},
	}
	working := `{"thought_process": "still looking", "status": "WORKING", "action": {"name": "web.search", "parameters": {}}}`
	client := &loopClient{responses: []string{working, working, working}}
	c := New(researchTestConfig(), client, registry, WithMaxRounds(3))

	result := c.Run(context.Background(), "q", nil)

	assert.False(t, result.Success)
	assert.Equal(t, StatusWorking, result.Status)
	assert.Equal(t, 3, result.RoundsTaken)
}

func TestRunDecisionFailureEndsLoop(t *testing.T) {
	registry := &loopRegistry{tool: interfaces.ToolInfo{Name: "search", FullName: "web.search"}}
	client := &loopClient{responses: []string{"no json here"}}
	c := New(researchTestConfig(), client, registry)

	result := c.Run(context.Background(), "q", nil)

	assert.False(t, result.Success)
	assert.Equal(t, StatusError, result.Status)
}

func TestResearchWrapsRun(t *testing.T) {
	registry := &loopRegistry{tool: interfaces.ToolInfo{Name: "search", FullName: "web.search"}}

	finished := &loopClient{responses: []string{
		`{"thought_process": "known", "status": "FINISHED", "final_answer": "the answer"}`,
	}}
	answer, ok := New(researchTestConfig(), finished, registry).Research(context.Background(), "q", nil)
	assert.True(t, ok)
	assert.Equal(t, "the answer", answer)

	// A failed loop reports not-ok so callers can fall back.
	failing := &loopClient{}
	_, ok = New(researchTestConfig(), failing, registry).Research(context.Background(), "q", nil)
	assert.False(t, ok)
}

func TestParseDecisionWorking(t *testing.T) {
	content := `{
  "thought_process": "I still need the population figure.",
  "status": "WORKING",
  "action": {"name": "websearch.search", "parameters": {"query": "Berlin population 2025"}},
  "missing_information": ["population figure"],
  "final_answer": "",
  "lessons_learned": []
}`

	d, err := parseDecision(content)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, d.Status)
	require.NotNil(t, d.Action)
	assert.Equal(t, "websearch.search", d.Action.Name)
	assert.Equal(t, "Berlin population 2025", d.Action.Parameters["query"])
	assert.Equal(t, []string{"population figure"}, d.MissingInformation)
}

func TestParseDecisionFinished(t *testing.T) {
	content := `Reasoning first, then the decision:
` + "```json" + `
{"thought_process": "done", "status": "FINISHED", "final_answer": "Berlin has about 3.8M residents.", "lessons_learned": ["official statistics pages beat news articles"]}
` + "```"

	d, err := parseDecision(content)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, d.Status)
	assert.Equal(t, "Berlin has about 3.8M residents.", d.FinalAnswer)
	assert.Len(t, d.LessonsLearned, 1)
}

func TestParseDecisionPlainFence(t *testing.T) {
	content := "```\n" + `{"thought_process": "t", "status": "WORKING", "action": {"name": "a"}}` + "\n```"

	d, err := parseDecision(content)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, d.Status)
}

func TestParseDecisionErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no JSON", "I cannot decide."},
		{"malformed", `{"status": `},
		{"invalid status", `{"thought_process": "t", "status": "PONDERING"}`},
		{"error status not model-settable", `{"thought_process": "t", "status": "ERROR"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDecision(tt.content)
			assert.Error(t, err)
		})
	}
}
