// Package tools decides whether a query needs live data and drives MCP tool
// execution: single calls, multi-step plans, and deep research.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
)

// minToolConfidence is the floor for firing a tool; exactly this value fires.
const minToolConfidence = 0.5

// DeepResearcher drives an autonomous research loop for one query and
// reports whether it produced a usable answer.
type DeepResearcher interface {
	Research(ctx context.Context, query string, sink interfaces.EventSink) (string, bool)
}

// Orchestrator routes queries to MCP tools.
type Orchestrator struct {
	cfg        *config.Config
	client     interfaces.ModelClient
	registry   interfaces.ToolRegistry
	researcher DeepResearcher
	logger     logging.Logger
	now        func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithResearcher attaches a research loop that handles research-shaped
// queries before the built-in search-and-scrape pass.
func WithResearcher(r DeepResearcher) Option {
	return func(o *Orchestrator) { o.researcher = r }
}

// WithClock overrides the reference clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(cfg *config.Config, client interfaces.ModelClient, registry interfaces.ToolRegistry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		registry: registry,
		logger:   logging.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Outcome is the result of the tool phase for one query.
type Outcome struct {
	Used           bool
	Results        []interfaces.ToolResult
	ResearchReport string
}

// Failed reports whether every executed tool call failed.
func (o *Outcome) Failed() bool {
	if !o.Used || len(o.Results) == 0 {
		return o.Used && o.ResearchReport == ""
	}
	for _, r := range o.Results {
		if r.Success {
			return false
		}
	}
	return true
}

// PromptBlock renders the tool outcome as a system prompt block. Failures
// are surfaced honestly so models report them instead of hallucinating data.
func (o *Outcome) PromptBlock() string {
	if !o.Used {
		return ""
	}

	var b strings.Builder
	if o.ResearchReport != "" {
		b.WriteString("RESEARCH FINDINGS (gathered from live web sources):\n")
		b.WriteString(o.ResearchReport)
		b.WriteString("\n")
	}
	for _, r := range o.Results {
		if r.Success {
			payload, _ := json.Marshal(r.Output)
			fmt.Fprintf(&b, "TOOL RESULT from %s.%s (%.2fs): %s\n", r.Server, r.Tool, r.ExecutionTimeSeconds, payload)
		} else {
			fmt.Fprintf(&b, "TOOL FAILURE: %s.%s failed: %s. Acknowledge this failure honestly in your answer and suggest the user retry; do not invent the missing data.\n", r.Server, r.Tool, r.Error)
		}
	}
	return b.String()
}

// CheckAndExecute runs the full tool phase for a query: multi-step
// orchestration, deep research, or two-phase single tool selection, in that
// order of precedence.
func (o *Orchestrator) CheckAndExecute(ctx context.Context, query string, sink interfaces.EventSink) *Outcome {
	if !o.registry.ShouldUseTools(query) {
		return &Outcome{}
	}

	if needsOrchestration(query) {
		if outcome := o.executeMultiStep(ctx, query, sink); outcome != nil {
			return outcome
		}
	}

	if isResearchQuery(query) {
		if outcome := o.deepResearch(ctx, query, sink); outcome != nil {
			return outcome
		}
	}

	return o.executeSingleTool(ctx, query, sink)
}

// --- two-phase single tool selection ---

type dataNeedsAnalysis struct {
	NeedsExternalData bool   `json:"needs_external_data"`
	DataType          string `json:"data_type"`
}

var knownDataTypes = map[string]bool{
	"current_time": true,
	"location":     true,
	"news":         true,
	"weather":      true,
	"calculation":  true,
	"web_content":  true,
	"none":         true,
}

// analyzeDataNeeds is phase one: classify what kind of external data the
// query needs, without seeing the tool catalog.
func (o *Orchestrator) analyzeDataNeeds(ctx context.Context, query string) dataNeedsAnalysis {
	prompt := fmt.Sprintf(`Decide whether answering this query requires external, current data.

Query: %s

Data type must be one of: current_time, location, news, weather, calculation, web_content, none.

Respond with JSON only:
{"needs_external_data": true/false, "data_type": "..."}`, query)

	temp := 0.0
	resp, err := o.client.QueryWithRetry(ctx, o.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 60 * time.Second, MaxRetries: 1})
	if err != nil {
		o.logger.Warn(ctx, "Data needs analysis failed", map[string]interface{}{"error": err.Error()})
		return dataNeedsAnalysis{}
	}

	var analysis dataNeedsAnalysis
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &analysis); err != nil {
		o.logger.Warn(ctx, "Data needs analysis unparseable", map[string]interface{}{"error": err.Error()})
		return dataNeedsAnalysis{}
	}

	analysis.DataType = strings.ToLower(strings.TrimSpace(analysis.DataType))
	if !knownDataTypes[analysis.DataType] {
		analysis.DataType = "none"
	}
	return analysis
}

// toolCandidate maps a data type onto tool-name substrings with a fixed
// confidence. Selection is deterministic given the registry contents.
type toolCandidate struct {
	substrings []string
	confidence float64
}

var dataTypeCandidates = map[string][]toolCandidate{
	"current_time": {{[]string{"time", "clock"}, 0.9}},
	"location":     {{[]string{"location", "geoip", "geo"}, 0.9}},
	"weather":      {{[]string{"weather", "forecast"}, 0.9}},
	"news":         {{[]string{"news"}, 0.85}, {[]string{"websearch", "search"}, 0.8}},
	"calculation":  {{[]string{"calc"}, 0.95}},
	"web_content":  {{[]string{"scrape", "fetch", "browse"}, 0.7}},
}

// selectTool is phase two's deterministic half: map the data type to the
// best registered tool. Below the confidence floor nothing fires.
func (o *Orchestrator) selectTool(dataType string) (interfaces.ToolInfo, float64, bool) {
	var best interfaces.ToolInfo
	bestConfidence := 0.0
	found := false

	for _, candidate := range dataTypeCandidates[dataType] {
		if tool, ok := o.findTool(candidate.substrings...); ok {
			if !found || candidate.confidence > bestConfidence {
				best = tool
				bestConfidence = candidate.confidence
				found = true
			}
		}
	}
	if !found || bestConfidence < minToolConfidence {
		return interfaces.ToolInfo{}, 0, false
	}
	return best, bestConfidence, true
}

func (o *Orchestrator) findTool(substrings ...string) (interfaces.ToolInfo, bool) {
	for _, t := range o.registry.ListTools() {
		lower := strings.ToLower(t.Name)
		for _, s := range substrings {
			if strings.Contains(lower, s) {
				return t, true
			}
		}
	}
	return interfaces.ToolInfo{}, false
}

// generateArgs asks the tool-calling model to fill the tool's parameters.
func (o *Orchestrator) generateArgs(ctx context.Context, query string, tool interfaces.ToolInfo) (map[string]interface{}, error) {
	schema, _ := json.MarshalIndent(tool.Schema, "", "  ")
	prompt := fmt.Sprintf(`Generate arguments for the tool %s to answer the user's query.

Tool description: %s
Parameter schema:
%s

%s
User query: %s

Respond with a JSON object containing only the tool arguments.`,
		tool.FullName, tool.Description, schema, dateContextBlock(o.now()), query)

	temp := 0.0
	resp, err := o.client.QueryWithRetry(ctx, o.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 60 * time.Second, MaxRetries: 1})
	if err != nil {
		return nil, err
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &args); err != nil {
		return nil, fmt.Errorf("unparseable tool arguments: %w", err)
	}
	return resolveDateParams(args, o.now()), nil
}

func (o *Orchestrator) executeSingleTool(ctx context.Context, query string, sink interfaces.EventSink) *Outcome {
	analysis := o.analyzeDataNeeds(ctx, query)
	if !analysis.NeedsExternalData || analysis.DataType == "none" {
		return &Outcome{}
	}

	tool, confidence, ok := o.selectTool(analysis.DataType)
	if !ok {
		o.logger.Debug(ctx, "No tool above confidence floor", map[string]interface{}{
			"data_type": analysis.DataType,
		})
		return &Outcome{}
	}

	var args map[string]interface{}
	if analysis.DataType == "calculation" {
		if a, b, op, parsed := parseCalculation(query); parsed {
			args = calculatorArgs(tool.Schema, a, b, op)
		}
	}
	if args == nil {
		generated, err := o.generateArgs(ctx, query, tool)
		if err != nil {
			o.logger.Warn(ctx, "Argument generation failed", map[string]interface{}{
				"tool":  tool.FullName,
				"error": err.Error(),
			})
			return &Outcome{}
		}
		args = generated
	}

	o.logger.Info(ctx, "Executing tool", map[string]interface{}{
		"tool":       tool.FullName,
		"confidence": confidence,
		"data_type":  analysis.DataType,
	})

	result := o.callWithEvents(ctx, tool.FullName, args, sink)
	return &Outcome{Used: true, Results: []interfaces.ToolResult{result}}
}

// --- multi-step orchestration ---

func (o *Orchestrator) executeMultiStep(ctx context.Context, query string, sink interfaces.EventSink) *Outcome {
	prompt := planPrompt(query, o.registry.GetDetailedToolInfo(), o.now())
	temp := 0.0
	resp, err := o.client.QueryWithRetry(ctx, o.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 90 * time.Second, MaxRetries: 1})
	if err != nil {
		o.logger.Warn(ctx, "Plan generation failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	plan, err := ParsePlan(resp.Content)
	if err != nil {
		o.logger.Warn(ctx, "Plan unparseable", map[string]interface{}{"error": err.Error()})
		return nil
	}

	outcome := &Outcome{Used: true}
	stepOutputs := make(map[int]interface{})

	for _, step := range plan.Steps {
		if !o.registry.HasTool(step.Tool) {
			outcome.Results = append(outcome.Results, interfaces.ToolResult{
				Success: false,
				Tool:    step.Tool,
				Error:   fmt.Sprintf("planned tool %q is not registered", step.Tool),
			})
			return outcome
		}

		params, err := resolveStepRefs(step.Parameters, stepOutputs)
		if err != nil {
			outcome.Results = append(outcome.Results, interfaces.ToolResult{
				Success: false,
				Tool:    step.Tool,
				Error:   err.Error(),
			})
			return outcome
		}
		params = resolveDateParams(params, o.now())

		result := o.callWithEvents(ctx, step.Tool, params, sink)
		outcome.Results = append(outcome.Results, result)
		if !result.Success {
			// Later steps likely depend on this output; stop here.
			return outcome
		}
		stepOutputs[step.StepNumber] = result.Output
	}

	return outcome
}

// callWithEvents invokes a tool and emits paired start/complete events
// sharing one short call id.
func (o *Orchestrator) callWithEvents(ctx context.Context, fullName string, args map[string]interface{}, sink interfaces.EventSink) interfaces.ToolResult {
	callID := uuid.NewString()[:8]
	if sink != nil {
		sink.Emit("tool_call_start", map[string]interface{}{
			"call_id": callID,
			"tool":    fullName,
			"input":   args,
		})
	}

	result := o.registry.CallTool(ctx, fullName, args)

	if sink != nil {
		data := map[string]interface{}{
			"call_id":                callID,
			"tool":                   fullName,
			"success":                result.Success,
			"execution_time_seconds": result.ExecutionTimeSeconds,
		}
		if result.Success {
			data["output"] = result.Output
		} else {
			data["error"] = result.Error
		}
		sink.Emit("tool_call_complete", data)
		sink.Emit("tool_result", map[string]interface{}{
			"call_id": callID,
			"result":  result,
		})
	}
	return result
}

// extractJSONObject returns the text between the first '{' and last '}'.
func extractJSONObject(response string) string {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return response
	}
	return response[start : end+1]
}

// extractJSONArray returns the text between the first '[' and last ']'.
func extractJSONArray(response string) string {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end <= start {
		return response
	}
	return response[start : end+1]
}
