package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

type midCheckDecision struct {
	NeedsSearch     bool   `json:"needs_search"`
	SearchQuery     string `json:"search_query"`
	RecommendedTool string `json:"recommended_tool"`
}

// MidDeliberationCheck lets a model request one web search between stages
// when the deliberation surfaced a gap the existing tool results don't
// cover. Only search-shaped tools are honored here; anything else the model
// recommends is ignored.
func (o *Orchestrator) MidDeliberationCheck(ctx context.Context, query, stageSummary string, priorResults []interfaces.ToolResult, sink interfaces.EventSink) (*interfaces.ToolResult, bool) {
	searchTool, ok := o.findTool("websearch", "search")
	if !ok {
		return nil, false
	}

	var prior strings.Builder
	for _, r := range priorResults {
		if r.Success {
			payload, _ := json.Marshal(r.Output)
			fmt.Fprintf(&prior, "- %s.%s: %s\n", r.Server, r.Tool, truncateForPrompt(string(payload), 500))
		}
	}
	if prior.Len() == 0 {
		prior.WriteString("(none)\n")
	}

	prompt := fmt.Sprintf(`The council is deliberating on this query:
%s

Summary of the discussion so far:
%s

Data already gathered:
%s
Available tools:
%s

If the discussion exposed a factual gap that a web search would close, request one. Do NOT re-request data already gathered.

Respond with JSON only:
{"needs_search": true/false, "search_query": "...", "recommended_tool": "..."}`,
		query, truncateForPrompt(stageSummary, 2000), prior.String(), o.registry.GetDetailedToolInfo())

	temp := 0.0
	resp, err := o.client.QueryWithRetry(ctx, o.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 60 * time.Second, MaxRetries: 1})
	if err != nil {
		o.logger.Warn(ctx, "Mid-deliberation check failed", map[string]interface{}{"error": err.Error()})
		return nil, false
	}

	var decision midCheckDecision
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &decision); err != nil {
		return nil, false
	}
	if !decision.NeedsSearch || strings.TrimSpace(decision.SearchQuery) == "" {
		return nil, false
	}

	// Loose match on purpose: models rarely emit the exact registered name.
	recommended := strings.ToLower(decision.RecommendedTool)
	if recommended != "" && !strings.Contains(recommended, "search") {
		o.logger.Debug(ctx, "Mid-deliberation tool request ignored", map[string]interface{}{
			"recommended": decision.RecommendedTool,
		})
		return nil, false
	}

	result := o.callWithEvents(ctx, searchTool.FullName, map[string]interface{}{
		"query": decision.SearchQuery,
	}, sink)
	return &result, true
}

func truncateForPrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
