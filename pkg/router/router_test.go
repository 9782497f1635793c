package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/council"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/tools"
)

// routedClient replays canned replies per model: queryReplies feeds
// QueryWithRetry, streamReplies feeds QueryStream. A stream reply of
// "!error" fails the stream. Streamed message lists are recorded per model.
type routedClient struct {
	mu             sync.Mutex
	queryReplies   map[string][]string
	streamReplies  map[string][]string
	streamMessages map[string][][]interfaces.Message
}

func (c *routedClient) Query(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	return c.QueryWithRetry(ctx, model, messages, opts)
}

func (c *routedClient) QueryWithRetry(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queryReplies[model]
	if len(q) == 0 {
		return nil, errors.New("no scripted reply for " + model)
	}
	c.queryReplies[model] = q[1:]
	return &interfaces.ModelResponse{Model: model, Content: q[0]}, nil
}

func (c *routedClient) QueryStream(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (<-chan interfaces.StreamChunk, error) {
	c.mu.Lock()
	if c.streamMessages == nil {
		c.streamMessages = map[string][][]interfaces.Message{}
	}
	c.streamMessages[model] = append(c.streamMessages[model], messages)
	var reply string
	if q := c.streamReplies[model]; len(q) > 0 {
		reply = q[0]
		c.streamReplies[model] = q[1:]
	}
	c.mu.Unlock()

	ch := make(chan interfaces.StreamChunk, 4)
	go func() {
		defer close(ch)
		if reply == "!error" {
			ch <- interfaces.StreamChunk{Type: interfaces.ChunkError, Model: model, Err: errors.New("stream failed")}
			return
		}
		if reply != "" {
			ch <- interfaces.StreamChunk{Type: interfaces.ChunkToken, Model: model, Delta: reply, Content: reply}
		}
		ch <- interfaces.StreamChunk{Type: interfaces.ChunkComplete, Model: model, Content: reply}
	}()
	return ch, nil
}

func (c *routedClient) QueryModelsParallel(ctx context.Context, models []string, messages []interfaces.Message, opts *interfaces.QueryOptions) map[string]*interfaces.ModelResponse {
	return nil
}

func (c *routedClient) streamedSystemPrompt(model string, call int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.streamMessages[model]
	if call >= len(msgs) {
		return ""
	}
	var parts []string
	for _, m := range msgs[call] {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// recordSink captures emitted events.
type recordSink struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (s *recordSink) Emit(eventType string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, interfaces.Event{Type: eventType, Data: data})
}

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordSink) count(eventType string) int {
	n := 0
	for _, t := range s.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (s *recordSink) find(eventType string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return e.Data, true
		}
	}
	return nil, false
}

func routerTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Models.Council = []config.ModelRef{{ID: "model-a"}, {ID: "model-b"}}
	cfg.Models.Chairman = config.ModelRef{ID: "chairman"}
	cfg.Models.Classification = config.ModelRef{ID: "classifier"}
	cfg.Models.Confidence = config.ModelRef{ID: "confidence"}
	cfg.Models.Categorization = config.ModelRef{ID: "categorizer"}
	cfg.Deliberation.MaxRounds = 1
	cfg.Deliberation.QualityThreshold = 0.30
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config, client interfaces.ModelClient, opts ...Option) *Router {
	t.Helper()
	engine := council.New(cfg, client, metrics.NewTracker(t.TempDir(), nil))
	return New(cfg, client, engine, opts...)
}

const routerRanking = `Response A (5/5) covers everything well.
Response B (4/5) is solid but thinner.

FINAL RANKING:
1. Response A
2. Response B`

func TestRespondDirectPath(t *testing.T) {
	client := &routedClient{
		queryReplies: map[string][]string{
			"classifier": {`{"type": "chat", "requires_tools": false, "reasoning": "greeting"}`},
		},
		streamReplies: map[string][]string{
			"chairman": {"Hello! How can I help?"},
		},
	}
	r := newTestRouter(t, routerTestConfig(), client)
	sink := &recordSink{}

	ans := r.Respond(context.Background(), "hi there", "conv-1", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "direct", ans.Type)
	assert.Equal(t, "chairman", ans.Model)
	assert.Equal(t, "Hello! How can I help?", ans.Response)
	assert.Equal(t, TypeChat, ans.Classification.Type)

	types := sink.types()
	assert.Contains(t, types, "classification_start")
	assert.Contains(t, types, "direct_response_start")
	assert.Contains(t, types, "direct_response_complete")
	assert.NotContains(t, types, "stage1_start")
}

func TestRespondClassificationFailureFallsBackToDeliberation(t *testing.T) {
	// The classifier has no scripted reply, so classification errors out and
	// the turn takes the deliberation path.
	client := &routedClient{
		streamReplies: map[string][]string{
			"model-a":  {"answer from a", routerRanking},
			"model-b":  {"answer from b", routerRanking},
			"chairman": {"the synthesis"},
		},
	}
	r := newTestRouter(t, routerTestConfig(), client)
	sink := &recordSink{}

	ans := r.Respond(context.Background(), "compare X and Y", "conv-2", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "deliberation", ans.Type)
	assert.Equal(t, TypeDeliberation, ans.Classification.Type)
	assert.Equal(t, "classification unavailable", ans.Classification.Reasoning)
	assert.Equal(t, "the synthesis", ans.Response)
	require.NotNil(t, ans.Council)
	assert.Len(t, ans.Council.Stage1, 2)
	assert.Contains(t, sink.types(), "stage3_complete")
}

// gateRegistry backs the memory adapter with canned graph-server responses.
type gateRegistry struct {
	mu    sync.Mutex
	facts []interface{}
	calls []string
}

func (r *gateRegistry) CallTool(ctx context.Context, fullName string, args map[string]interface{}) interfaces.ToolResult {
	r.mu.Lock()
	r.calls = append(r.calls, fullName)
	r.mu.Unlock()
	if fullName == "graphiti.search_memory_facts" {
		return interfaces.ToolResult{Success: true, Tool: fullName, Output: r.facts}
	}
	return interfaces.ToolResult{Success: false, Tool: fullName, Error: "not scripted"}
}

func (r *gateRegistry) ShouldUseTools(query string) bool { return false }
func (r *gateRegistry) ListTools() []interfaces.ToolInfo { return nil }
func (r *gateRegistry) HasTool(fullName string) bool {
	return strings.HasPrefix(fullName, "graphiti.")
}
func (r *gateRegistry) GetDetailedToolInfo() string { return "" }

func TestRespondMemoryGateShortCircuits(t *testing.T) {
	cfg := routerTestConfig()
	cfg.Memory.Enabled = true
	cfg.Memory.ConfidenceThreshold = 0.7
	cfg.Memory.MaxMemoryAgeDays = 30
	cfg.Memory.GroupID = "conclave"

	registry := &gateRegistry{facts: []interface{}{
		map[string]interface{}{"uuid": "u1", "fact": "The user's favorite language is Go"},
	}}
	client := &routedClient{
		queryReplies: map[string][]string{
			"confidence": {`{"confidence": 0.92, "reasoning": "direct match", "recommended_answer": "Your favorite language is Go."}`},
		},
	}

	mem := memory.New(cfg, client, registry)
	require.True(t, mem.Initialize(context.Background()))

	r := newTestRouter(t, cfg, client, WithMemory(mem))
	sink := &recordSink{}

	ans := r.Respond(context.Background(), "what is my favorite language?", "conv-3", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "memory", ans.Type)
	assert.Equal(t, "Your favorite language is Go.", ans.Response)
	assert.InDelta(t, 0.92, ans.Confidence, 0.001)

	// A confident memory answer ends the turn before classification.
	types := sink.types()
	assert.Contains(t, types, "memory_response_generated")
	assert.NotContains(t, types, "classification_start")
	assert.NotContains(t, types, "direct_response_start")
}

func TestRespondMemoryBelowThresholdContinues(t *testing.T) {
	cfg := routerTestConfig()
	cfg.Memory.Enabled = true
	cfg.Memory.ConfidenceThreshold = 0.7
	cfg.Memory.MaxMemoryAgeDays = 30
	cfg.Memory.GroupID = "conclave"

	registry := &gateRegistry{facts: []interface{}{
		map[string]interface{}{"uuid": "u1", "fact": "The user once mentioned lunch"},
	}}
	client := &routedClient{
		queryReplies: map[string][]string{
			"confidence": {`{"confidence": 0.2, "reasoning": "barely related", "recommended_answer": null}`},
			"classifier": {`{"type": "chat", "requires_tools": false, "reasoning": "casual"}`},
		},
		streamReplies: map[string][]string{
			"chairman": {"Not sure, tell me more."},
		},
	}

	mem := memory.New(cfg, client, registry)
	require.True(t, mem.Initialize(context.Background()))

	r := newTestRouter(t, cfg, client, WithMemory(mem))
	sink := &recordSink{}

	ans := r.Respond(context.Background(), "what did I say earlier?", "conv-4", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "direct", ans.Type)
	assert.Contains(t, sink.types(), "classification_start")
}

// calcRegistry serves a single calculator tool for dispatch tests.
type calcRegistry struct {
	mu    sync.Mutex
	calls []string
}

func (r *calcRegistry) CallTool(ctx context.Context, fullName string, args map[string]interface{}) interfaces.ToolResult {
	r.mu.Lock()
	r.calls = append(r.calls, fullName)
	r.mu.Unlock()
	return interfaces.ToolResult{Success: true, Server: "calculator", Tool: "calculate", Output: 8.0}
}

func (r *calcRegistry) ShouldUseTools(query string) bool { return true }
func (r *calcRegistry) ListTools() []interfaces.ToolInfo {
	return []interfaces.ToolInfo{{Name: "calculate", FullName: "calculator.calculate", Server: "calculator"}}
}
func (r *calcRegistry) HasTool(fullName string) bool { return fullName == "calculator.calculate" }
func (r *calcRegistry) GetDetailedToolInfo() string  { return "## Server: calculator" }

func TestRespondDispatchesToolCheck(t *testing.T) {
	cfg := routerTestConfig()
	registry := &calcRegistry{}
	client := &routedClient{
		queryReplies: map[string][]string{
			"classifier": {`{"type": "factual", "requires_tools": true, "reasoning": "arithmetic"}`},
			// ToolCallingModel falls back to the chairman.
			"chairman": {`{"needs_external_data": true, "data_type": "calculation"}`},
		},
		streamReplies: map[string][]string{
			"chairman": {"5 plus 3 is 8."},
		},
	}
	orchestrator := tools.New(cfg, client, registry)

	r := newTestRouter(t, cfg, client, WithOrchestrator(orchestrator))
	sink := &recordSink{}

	ans := r.Respond(context.Background(), "what is 5 plus 3", "conv-5", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "direct", ans.Type)
	require.NotNil(t, ans.ToolOutcome)
	assert.True(t, ans.ToolOutcome.Used)
	assert.Equal(t, []string{"calculator.calculate"}, registry.calls)

	types := sink.types()
	assert.Contains(t, types, "tool_check_start")
	assert.Contains(t, types, "tool_call_start")
	assert.Contains(t, types, "tool_result")

	// The tool data rides into the direct generation as a system prompt.
	system := client.streamedSystemPrompt("chairman", 0)
	assert.Contains(t, system, "TOOL RESULT from calculator.calculate")
}

func TestDirectRespondEscalatesAfterRefusal(t *testing.T) {
	client := &routedClient{
		streamReplies: map[string][]string{
			"chairman": {
				"I don't have access to real-time data, sorry.",
				"It is 18C in Berlin right now.",
			},
		},
	}
	r := newTestRouter(t, routerTestConfig(), client)
	sink := &recordSink{}

	toolBlock := "TOOL RESULT from weather.lookup (0.10s): 18C in Berlin"
	ans := r.directRespond(context.Background(), "what's the weather in Berlin?", toolBlock, Classification{Type: TypeFactual}, nil, "conv-6", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "It is 18C in Berlin right now.", ans.Response)
	assert.Equal(t, 1, sink.count("direct_response_retry"))

	retry, ok := sink.find("direct_response_retry")
	require.True(t, ok)
	assert.Equal(t, "model refused to use live tool data", retry["reason"])

	// The retry escalates the system prompt; the first attempt must not.
	assert.NotContains(t, client.streamedSystemPrompt("chairman", 0), "CRITICAL")
	assert.Contains(t, client.streamedSystemPrompt("chairman", 1), "CRITICAL")
}

func TestDirectRespondAcceptsLastRefusal(t *testing.T) {
	refusal := "I cannot access the internet, so I cannot say."
	client := &routedClient{
		streamReplies: map[string][]string{
			"chairman": {refusal, refusal, refusal},
		},
	}
	r := newTestRouter(t, routerTestConfig(), client)
	sink := &recordSink{}

	ans := r.directRespond(context.Background(), "q", "TOOL RESULT from weather.lookup: 18C", Classification{Type: TypeFactual}, nil, "conv-7", sink)

	// Retries exhausted: the final attempt stands rather than erroring.
	assert.Equal(t, refusal, ans.Response)
	assert.Equal(t, maxRefusalRetries, sink.count("direct_response_retry"))
}

func TestDirectRespondAppliesDistinctFormatter(t *testing.T) {
	cfg := routerTestConfig()
	cfg.Models.Formatter = config.ModelRef{ID: "formatter"}

	client := &routedClient{
		streamReplies: map[string][]string{
			"chairman": {"raw answer text"},
		},
		queryReplies: map[string][]string{
			"formatter": {"## Answer\n\nraw answer text"},
		},
	}
	r := newTestRouter(t, cfg, client)
	sink := &recordSink{}

	ans := r.directRespond(context.Background(), "q", "", Classification{Type: TypeChat}, nil, "conv-8", sink)

	require.NotNil(t, ans)
	assert.Equal(t, "## Answer\n\nraw answer text", ans.Response)
	assert.Contains(t, sink.types(), "formatting_start")
}

func TestDirectRespondKeepsAnswerWhenFormatterFails(t *testing.T) {
	cfg := routerTestConfig()
	cfg.Models.Formatter = config.ModelRef{ID: "formatter"}

	// The formatter has no scripted reply, so the pass fails.
	client := &routedClient{
		streamReplies: map[string][]string{
			"chairman": {"raw answer text"},
		},
	}
	r := newTestRouter(t, cfg, client)

	ans := r.directRespond(context.Background(), "q", "", Classification{Type: TypeChat}, nil, "conv-9", &recordSink{})

	assert.Equal(t, "raw answer text", ans.Response)
}

func TestDirectRespondSkipsFormatterWhenShared(t *testing.T) {
	// Formatter unset falls back to the chairman, so no second pass runs.
	client := &routedClient{
		streamReplies: map[string][]string{
			"chairman": {"plain answer"},
		},
	}
	r := newTestRouter(t, routerTestConfig(), client)
	sink := &recordSink{}

	ans := r.directRespond(context.Background(), "q", "", Classification{Type: TypeChat}, nil, "conv-10", sink)

	assert.Equal(t, "plain answer", ans.Response)
	assert.NotContains(t, sink.types(), "formatting_start")
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Classification
	}{
		{
			name: "bare JSON",
			text: `{"type": "factual", "requires_tools": true, "reasoning": "needs a lookup"}`,
			want: Classification{Type: TypeFactual, RequiresTools: true, Reasoning: "needs a lookup"},
		},
		{
			name: "JSON wrapped in prose",
			text: "Here is my classification:\n" + `{"type": "chat", "requires_tools": false, "reasoning": "greeting"}` + "\nDone.",
			want: Classification{Type: TypeChat, Reasoning: "greeting"},
		},
		{
			name: "deliberation",
			text: `{"type": "deliberation", "requires_tools": false, "reasoning": "open ended"}`,
			want: Classification{Type: TypeDeliberation, Reasoning: "open ended"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseClassification(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseClassificationRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no JSON", "this query is factual"},
		{"malformed JSON", `{"type": "factual",`},
		{"unknown type", `{"type": "philosophical", "requires_tools": false, "reasoning": "x"}`},
		{"empty type", `{"requires_tools": true, "reasoning": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseClassification(tt.text)
			assert.False(t, ok)
		})
	}
}
