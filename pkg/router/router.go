// Package router decides which execution path answers a user turn: a
// memory-backed fast answer, a single-model direct response, or a full
// council deliberation.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/council"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/tools"
)

// QueryType is the classifier's verdict for a user turn.
type QueryType string

const (
	TypeFactual      QueryType = "factual"
	TypeChat         QueryType = "chat"
	TypeDeliberation QueryType = "deliberation"
)

// maxRefusalRetries bounds re-generation of a direct answer that ignored
// live tool data.
const maxRefusalRetries = 2

// Classification is the routing decision for one query.
type Classification struct {
	Type          QueryType `json:"type"`
	RequiresTools bool      `json:"requires_tools"`
	Reasoning     string    `json:"reasoning"`
}

// Answer is the complete outcome of one routed turn.
type Answer struct {
	Type           string // memory, direct, deliberation
	Model          string
	Response       string
	Classification Classification
	ToolOutcome    *tools.Outcome
	Council        *council.Result
	Confidence     float64
}

// Router orchestrates the gates for each user turn.
type Router struct {
	cfg          *config.Config
	client       interfaces.ModelClient
	engine       *council.Engine
	orchestrator *tools.Orchestrator
	memory       *memory.Adapter
	logger       logging.Logger
}

// Option configures the router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMemory attaches the memory adapter. Without it the memory gate is
// skipped entirely.
func WithMemory(m *memory.Adapter) Option {
	return func(r *Router) { r.memory = m }
}

// WithOrchestrator attaches the tool orchestrator. Without it the tool
// check is skipped.
func WithOrchestrator(o *tools.Orchestrator) Option {
	return func(r *Router) { r.orchestrator = o }
}

// New creates a router.
func New(cfg *config.Config, client interfaces.ModelClient, engine *council.Engine, opts ...Option) *Router {
	r := &Router{
		cfg:    cfg,
		client: client,
		engine: engine,
		logger: logging.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond runs the gate sequence for one user turn, streaming progress
// through sink. It always returns a well-formed answer; content failures
// surface as error text inside the answer, never as a raised error.
func (r *Router) Respond(ctx context.Context, query, conversationID string, sink interfaces.EventSink) *Answer {
	if sink == nil {
		sink = noopSink{}
	}

	// Memory gate. The user turn is recorded regardless of the outcome.
	if r.memory != nil && r.memory.Enabled() {
		r.memory.RecordUserMessage(query, conversationID)

		if ans, err := r.memory.GetMemoryResponse(ctx, query, sink); err != nil {
			r.logger.Warn(ctx, "Memory gate failed, continuing", map[string]interface{}{"error": err.Error()})
		} else if ans != nil {
			return &Answer{
				Type:       "memory",
				Model:      "memory",
				Response:   ans.Response,
				Confidence: ans.Confidence,
			}
		}
	}

	classification := r.classify(ctx, query, sink)

	var outcome *tools.Outcome
	if r.orchestrator != nil {
		sink.Emit("tool_check_start", map[string]interface{}{"query": query})
		outcome = r.orchestrator.CheckAndExecute(ctx, query, sink)
	}

	toolBlock := ""
	if outcome != nil && outcome.Used {
		toolBlock = outcome.PromptBlock()
	}

	if classification.Type == TypeDeliberation {
		return r.deliberate(ctx, query, toolBlock, classification, outcome, conversationID, sink)
	}
	return r.directRespond(ctx, query, toolBlock, classification, outcome, conversationID, sink)
}

// classificationPrompt asks for a routing decision as strict JSON.
func classificationPrompt(query string) string {
	return `Classify the following user query for routing.

Query: ` + query + `

Types:
- "factual": a question with a short, verifiable answer (lookup, calculation, current data)
- "chat": casual conversation, greetings, or questions about the assistant itself
- "deliberation": open-ended, comparative, or complex questions that benefit from multiple perspectives

Respond ONLY with a JSON object:
{"type": "factual|chat|deliberation", "requires_tools": true|false, "reasoning": "<one sentence>"}`
}

// classify runs the routing classifier. Any failure falls back to
// deliberation, the path that handles everything.
func (r *Router) classify(ctx context.Context, query string, sink interfaces.EventSink) Classification {
	sink.Emit("classification_start", map[string]interface{}{"query": query})

	fallback := Classification{Type: TypeDeliberation, Reasoning: "classification unavailable"}

	temp := 0.0
	resp, err := r.client.QueryWithRetry(ctx, r.cfg.ClassificationModel(), []interfaces.Message{
		{Role: "user", Content: classificationPrompt(query)},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 30 * time.Second, MaxRetries: 1})

	result := fallback
	if err == nil {
		if parsed, ok := parseClassification(resp.Content); ok {
			result = parsed
		}
	} else {
		r.logger.Warn(ctx, "Classification failed, defaulting to deliberation", map[string]interface{}{"error": err.Error()})
	}

	sink.Emit("classification_complete", map[string]interface{}{
		"classification": string(result.Type),
		"requires_tools": result.RequiresTools,
		"reasoning":      result.Reasoning,
	})
	return result
}

func parseClassification(text string) (Classification, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return Classification{}, false
	}

	var c Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &c); err != nil {
		return Classification{}, false
	}
	switch c.Type {
	case TypeFactual, TypeChat, TypeDeliberation:
		return c, true
	}
	return Classification{}, false
}

// deliberate runs the full council and records the synthesis to memory. The
// pre-deliberation tool results ride along so the engine's mid-stage
// assessments do not re-request data the orchestrator already gathered.
func (r *Router) deliberate(ctx context.Context, query, toolBlock string, classification Classification, outcome *tools.Outcome, conversationID string, sink interfaces.EventSink) *Answer {
	var priorTools []interfaces.ToolResult
	if outcome != nil {
		priorTools = outcome.Results
	}
	result := r.engine.Run(ctx, query, toolBlock, priorTools, sink, metrics.NewTokenTracker())

	if r.memory != nil && r.memory.Enabled() && !result.Failed {
		r.memory.RecordChairmanSynthesis(result.FinalResponse, result.FinalModel, conversationID)
	}

	return &Answer{
		Type:           "deliberation",
		Model:          result.FinalModel,
		Response:       result.FinalResponse,
		Classification: classification,
		ToolOutcome:    outcome,
		Council:        result,
	}
}

// directRespond streams a single answer from the chairman. When live tool
// data was injected and the model still refuses to use it, the generation
// is re-issued with an escalated system prompt; the last attempt is
// accepted as-is.
func (r *Router) directRespond(ctx context.Context, query, toolBlock string, classification Classification, outcome *tools.Outcome, conversationID string, sink interfaces.EventSink) *Answer {
	model := r.cfg.ChairmanModel()
	sink.Emit("direct_response_start", map[string]interface{}{"model": model})

	var response string
	for attempt := 0; ; attempt++ {
		messages := r.directMessages(query, toolBlock, attempt)
		content, err := r.streamDirect(ctx, model, messages, sink)

		if err != nil || strings.TrimSpace(content) == "" {
			reason := "empty response"
			if err != nil {
				reason = err.Error()
			}
			if attempt < maxRefusalRetries {
				sink.Emit("direct_response_retry", map[string]interface{}{
					"model":  model,
					"retry":  attempt + 1,
					"reason": reason,
				})
				continue
			}
			sink.Emit("direct_response_error", map[string]interface{}{"model": model, "error": reason})
			response = "Error: Unable to generate a response. Please try again."
			break
		}

		if toolBlock != "" && tools.IsRefusal(content) && attempt < maxRefusalRetries {
			sink.Emit("direct_response_retry", map[string]interface{}{
				"model":  model,
				"retry":  attempt + 1,
				"reason": "model refused to use live tool data",
			})
			continue
		}

		response = council.StripFakeImages(content)
		response = r.applyFormatter(ctx, model, query, response, sink)
		break
	}

	sink.Emit("direct_response_complete", map[string]interface{}{
		"model":    model,
		"response": response,
	})

	if r.memory != nil && r.memory.Enabled() {
		r.memory.RecordDirectResponse(query, response, model, conversationID)
	}

	return &Answer{
		Type:           "direct",
		Model:          model,
		Response:       response,
		Classification: classification,
		ToolOutcome:    outcome,
	}
}

// applyFormatter reruns a direct answer through the formatter model when one
// is configured distinctly from the generating model. On any failure the
// original answer stands.
func (r *Router) applyFormatter(ctx context.Context, generator, query, response string, sink interfaces.EventSink) string {
	formatter := r.cfg.FormatterModel()
	if formatter == "" || formatter == generator {
		return response
	}

	sink.Emit("formatting_start", map[string]interface{}{"model": formatter})
	resp, err := r.client.QueryWithRetry(ctx, formatter, []interfaces.Message{
		{Role: "user", Content: formattingPrompt(query, response)},
	}, &interfaces.QueryOptions{Timeout: 60 * time.Second, MaxRetries: 1})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		r.logger.Warn(ctx, "Formatting pass failed, keeping original answer", map[string]interface{}{
			"model": formatter,
		})
		return response
	}
	return council.StripFakeImages(resp.Content)
}

// formattingPrompt asks the formatter model to polish an answer without
// changing its content.
func formattingPrompt(query, response string) string {
	return `Reformat the following answer for readability using markdown. Improve structure with headers, lists, tables, and emphasis where they help. Do NOT change the substance, add new claims, or include images of any kind.

Question: ` + query + `

Answer to reformat:
` + response + `

Reformatted answer:`
}

// directMessages builds the direct-path message list. Retry attempts after
// a refusal escalate the system prompt.
func (r *Router) directMessages(query, toolBlock string, attempt int) []interfaces.Message {
	var messages []interfaces.Message

	if identity := r.identityContext(); identity != "" {
		messages = append(messages, interfaces.Message{Role: "system", Content: identity})
	}

	if toolBlock != "" {
		system := `You have been provided with live data gathered moments ago by external tools. This data is current and accurate.

` + toolBlock + `

Use this data to answer. Do NOT claim you lack internet access or that your training data is outdated; the data above is real-time.`
		if attempt > 0 {
			system += `

CRITICAL: Your previous answer incorrectly claimed the data was unavailable. The tool results above ARE the current data. Answer the question directly from them. Any statement about training cutoffs or lack of real-time access is wrong.`
		}
		messages = append(messages, interfaces.Message{Role: "system", Content: system})
	}

	messages = append(messages, interfaces.Message{Role: "user", Content: query})
	return messages
}

func (r *Router) identityContext() string {
	if r.memory == nil || !r.memory.IdentityLoaded() {
		return ""
	}
	return r.memory.IdentityContext()
}

// streamDirect relays one chairman stream as direct_response events.
func (r *Router) streamDirect(ctx context.Context, model string, messages []interfaces.Message, sink interfaces.EventSink) (string, error) {
	tracker := metrics.NewTokenTracker()
	key := "direct:" + model

	stream, err := r.client.QueryStream(ctx, model, messages, &interfaces.QueryOptions{
		MaxTokens: r.cfg.Response.MaxTokens.Stage3,
	})
	if err != nil {
		return "", err
	}

	var content string
	for chunk := range stream {
		switch chunk.Type {
		case interfaces.ChunkThinking:
			tracker.RecordThinking(key)
			data := map[string]interface{}{
				"model":    model,
				"delta":    chunk.Delta,
				"thinking": chunk.Reasoning,
			}
			for k, v := range tracker.Snapshot(key).Fields() {
				data[k] = v
			}
			sink.Emit("direct_response_thinking", data)

		case interfaces.ChunkToken:
			content = chunk.Content
			tracker.RecordToken(key)
			data := map[string]interface{}{
				"model":   model,
				"delta":   chunk.Delta,
				"content": content,
			}
			for k, v := range tracker.Snapshot(key).Fields() {
				data[k] = v
			}
			sink.Emit("direct_response_token", data)

		case interfaces.ChunkComplete:
			return chunk.Content, nil

		case interfaces.ChunkError:
			return content, chunk.Err
		}
	}
	return content, nil
}

type noopSink struct{}

func (noopSink) Emit(string, map[string]interface{}) {}
