// Package research implements an autonomous think-act research loop: the
// controller retrieves memory context, asks the tool-calling model for the
// next action, executes it, and feeds the result back until the model
// declares the answer complete.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/memory"
)

// Status is the loop's terminal state.
type Status string

const (
	StatusWorking  Status = "WORKING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
)

// defaultMaxRounds bounds the think-act loop.
const defaultMaxRounds = 50

// historyWindow is how many recent actions the decision prompt sees.
const historyWindow = 5

// Fact is one piece of gathered knowledge.
type Fact struct {
	Source string      `json:"source"`
	Data   interface{} `json:"data"`
	Round  int         `json:"round,omitempty"`
}

// ActionRecord is one completed loop iteration.
type ActionRecord struct {
	Round   int                    `json:"round"`
	Thought string                 `json:"thought"`
	Tool    string                 `json:"tool,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Success bool                   `json:"success"`
}

// Result is the outcome of one research run.
type Result struct {
	Success     bool           `json:"success"`
	Status      Status         `json:"status"`
	Answer      string         `json:"answer,omitempty"`
	RoundsTaken int            `json:"rounds_taken"`
	FactsUsed   int            `json:"facts_used"`
	Actions     []ActionRecord `json:"actions"`
}

// decision is the model's JSON reply for one round.
type decision struct {
	ThoughtProcess     string   `json:"thought_process"`
	Status             Status   `json:"status"`
	Action             *action  `json:"action"`
	MissingInformation []string `json:"missing_information"`
	FinalAnswer        string   `json:"final_answer"`
	LessonsLearned     []string `json:"lessons_learned"`
}

type action struct {
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Controller drives the research loop.
type Controller struct {
	cfg       *config.Config
	client    interfaces.ModelClient
	registry  interfaces.ToolRegistry
	memory    *memory.Adapter
	logger    logging.Logger
	maxRounds int
}

// Option configures the controller.
type Option func(*Controller)

// WithMemory attaches the memory adapter for context retrieval and lesson
// recording.
func WithMemory(m *memory.Adapter) Option {
	return func(c *Controller) { c.memory = m }
}

// WithMaxRounds overrides the round budget.
func WithMaxRounds(n int) Option {
	return func(c *Controller) { c.maxRounds = n }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a research controller.
func New(cfg *config.Config, client interfaces.ModelClient, registry interfaces.ToolRegistry, opts ...Option) *Controller {
	c := &Controller{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		logger:    logging.New(),
		maxRounds: defaultMaxRounds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Research runs the loop and reports whether it produced a usable answer.
// It satisfies the orchestrator's researcher contract.
func (c *Controller) Research(ctx context.Context, query string, sink interfaces.EventSink) (string, bool) {
	result := c.Run(ctx, query, sink)
	if !result.Success || strings.TrimSpace(result.Answer) == "" {
		return "", false
	}
	return result.Answer, true
}

// Run executes the research loop for one query.
func (c *Controller) Run(ctx context.Context, query string, sink interfaces.EventSink) *Result {
	emit := func(eventType string, data map[string]interface{}) {
		if sink != nil {
			sink.Emit(eventType, data)
		}
	}

	emit("memory_search_start", map[string]interface{}{"query": query})
	knowledge := c.memoryContext(ctx, query)
	tools := c.availableTools()
	emit("memory_search_complete", map[string]interface{}{
		"facts_found":     len(knowledge),
		"tools_available": len(tools),
	})

	result := &Result{Status: StatusWorking}
	var history []ActionRecord
	var lessons []string

	for round := 1; round <= c.maxRounds && result.Status == StatusWorking; round++ {
		result.RoundsTaken = round
		emit("round_start", map[string]interface{}{"round": round})

		d, err := c.decide(ctx, query, knowledge, tools, history)
		if err != nil {
			c.logger.Warn(ctx, "Research decision failed", map[string]interface{}{
				"round": round,
				"error": err.Error(),
			})
			result.Status = StatusError
			break
		}

		record := ActionRecord{Round: round, Thought: d.ThoughtProcess}

		if d.Status == StatusFinished {
			result.Status = StatusFinished
			result.Answer = d.FinalAnswer
			lessons = d.LessonsLearned
			history = append(history, record)
			break
		}

		if d.Action != nil && d.Action.Name != "" {
			record.Tool = d.Action.Name
			record.Params = d.Action.Parameters

			emit("tool_execution_start", map[string]interface{}{
				"tool":       d.Action.Name,
				"parameters": d.Action.Parameters,
			})
			toolResult := c.registry.CallTool(ctx, d.Action.Name, d.Action.Parameters)
			record.Success = toolResult.Success
			emit("tool_execution_complete", map[string]interface{}{
				"tool":    d.Action.Name,
				"success": record.Success,
			})

			if record.Success {
				knowledge = append(knowledge, Fact{
					Source: "tool:" + d.Action.Name,
					Data:   toolResult.Output,
					Round:  round,
				})
			}
		}
		history = append(history, record)
	}

	c.saveLessons(query, lessons)

	result.Success = result.Status == StatusFinished
	result.FactsUsed = len(knowledge)
	result.Actions = history
	return result
}

func (c *Controller) memoryContext(ctx context.Context, query string) []Fact {
	if c.memory == nil || !c.memory.Enabled() {
		return nil
	}
	entries, err := c.memory.SearchMemories(ctx, query, 10)
	if err != nil {
		c.logger.Warn(ctx, "Research memory search failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	facts := make([]Fact, 0, len(entries))
	for _, e := range entries {
		facts = append(facts, Fact{Source: "memory:" + e.Kind, Data: e.Content})
	}
	return facts
}

func (c *Controller) availableTools() []string {
	var names []string
	for _, t := range c.registry.ListTools() {
		names = append(names, t.FullName)
	}
	return names
}

// saveLessons records loop insights to memory for future queries.
func (c *Controller) saveLessons(query string, lessons []string) {
	if c.memory == nil || !c.memory.Enabled() {
		return
	}
	shortQuery := query
	if len(shortQuery) > 50 {
		shortQuery = shortQuery[:50] + "..."
	}
	for _, lesson := range lessons {
		content := fmt.Sprintf("Lesson learned while researching '%s': %s", shortQuery, lesson)
		c.memory.RecordEpisode(content, "research controller", "lesson_learned", map[string]interface{}{
			"query": query,
		})
	}
}

// decide asks the tool-calling model for the next action as strict JSON.
func (c *Controller) decide(ctx context.Context, query string, knowledge []Fact, tools []string, history []ActionRecord) (*decision, error) {
	contextStr := "No relevant context found in memory."
	if len(knowledge) > 0 {
		if raw, err := json.MarshalIndent(knowledge, "", "  "); err == nil {
			contextStr = string(raw)
		}
	}

	toolsStr := "No tools available."
	if len(tools) > 0 {
		var b strings.Builder
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		toolsStr = b.String()
	}

	historyStr := "No actions taken yet."
	if len(history) > 0 {
		recent := history
		if len(recent) > historyWindow {
			recent = recent[len(recent)-historyWindow:]
		}
		if raw, err := json.MarshalIndent(recent, "", "  "); err == nil {
			historyStr = string(raw)
		}
	}

	system := fmt.Sprintf(`# Role
You are the Research Controller, an autonomous agent. Your goal is to answer the User Query through a loop of reasoning, memory retrieval, and tool usage.

# Current Environment
**User Query:** "%s"

**Known Facts:**
%s

**Currently Registered Tools:**
%s

**Action History:**
%s

# Decision Logic
Analyze the User Query and the Known Facts. Follow this priority order strictly:

1. **COMPLETE:** If the Known Facts contain sufficient information to fully answer the User Query, output the final answer.
2. **USE EXISTING:** If information is missing, check the registered tools. If a relevant tool exists, call it.
3. **CORRECT:** If a previous tool execution failed (see history), analyze the error and retry with fixed parameters.

# Output Format
Respond with a SINGLE valid JSON object. No markdown formatting or prose outside the JSON.

{
  "thought_process": "Brief reasoning about what is known vs. unknown and why you chose this action.",
  "status": "WORKING" or "FINISHED",
  "action": {"name": "tool_name_to_call or null if FINISHED", "parameters": {}},
  "missing_information": ["list of what is still unknown"],
  "final_answer": "Only populate if status is FINISHED. Otherwise null.",
  "lessons_learned": ["Any insights that should be saved to memory"]
}

# Constraints
- Do not hallucinate data. If it is not in the Known Facts, you do not know it.
- One loop = one specific action.`, query, contextStr, toolsStr, historyStr)

	resp, err := c.client.QueryWithRetry(ctx, c.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "Decide on the next action."},
	}, &interfaces.QueryOptions{Timeout: 60 * time.Second, MaxRetries: 1})
	if err != nil {
		return nil, err
	}

	return parseDecision(resp.Content)
}

func parseDecision(content string) (*decision, error) {
	text := content
	if idx := strings.Index(text, "```json"); idx != -1 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end != -1 {
			text = text[:end]
		}
	} else if idx := strings.Index(text, "```"); idx != -1 {
		text = text[idx+3:]
		if end := strings.Index(text, "```"); end != -1 {
			text = text[:end]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in decision response")
	}

	var d decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("failed to parse decision: %w", err)
	}
	if d.Status != StatusWorking && d.Status != StatusFinished {
		return nil, fmt.Errorf("invalid decision status %q", d.Status)
	}
	return &d, nil
}
