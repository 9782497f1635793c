package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlanStep is one step of a multi-step tool plan.
type PlanStep struct {
	StepNumber  int                    `json:"step_number"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	DependsOn   []int                  `json:"depends_on"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Plan is an ordered multi-step tool plan produced by the planning model.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// ParsePlan extracts a plan from a model response. The response may wrap the
// JSON in prose or code fences; everything between the first '{' and the
// last '}' is parsed.
func ParsePlan(response string) (*Plan, error) {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in plan response")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	for i, step := range plan.Steps {
		if step.Tool == "" {
			return nil, fmt.Errorf("plan step %d has no tool", i+1)
		}
		if step.StepNumber == 0 {
			plan.Steps[i].StepNumber = i + 1
		}
	}
	return &plan, nil
}

// planPrompt asks the planning model for a multi-step tool plan. Symbolic
// date keywords are documented with worked examples so the model emits
// tokens instead of guessing calendar dates.
func planPrompt(query, toolCatalog string, now time.Time) string {
	return fmt.Sprintf(`You are a tool orchestration planner. Break the user's query into tool calls.

Available tools:
%s

%s
For any date parameter, use one of these symbolic keywords instead of a literal date. They are resolved automatically:
- TODAY, YESTERDAY, TOMORROW
- LAST_WEEK (7 days ago), NEXT_WEEK (7 days ahead), LAST_MONTH (30 days ago)
- LAST_<DAYNAME> - the most recent past occurrence of that weekday (e.g. if today is %s, LAST_MONDAY resolves to %s)
- THIS_<DAYNAME> - that weekday in the current week
- NEXT_<DAYNAME> - that weekday next week

To feed one step's output into another, reference it as $step_N or $step_N.field (e.g. "location": "$step_1.city").

User query: %s

Respond with JSON only:
{
  "steps": [
    {
      "step_number": 1,
      "description": "what this step does",
      "tool": "server.tool_name",
      "depends_on": [],
      "parameters": {"param": "value"}
    }
  ]
}`, toolCatalog, dateContextBlock(now),
		now.Format("Monday"),
		mustResolve("LAST_MONDAY", now),
		query)
}

func mustResolve(token string, now time.Time) string {
	resolved, _ := ResolveDateToken(token, now)
	return resolved
}

// needsOrchestration detects queries that require chaining tools, typically
// a date resolution feeding a data lookup.
func needsOrchestration(query string) bool {
	q := strings.ToLower(query)

	hasAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(q, w) {
				return true
			}
		}
		return false
	}

	dayWords := hasAny("monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday")
	relativeWords := hasAny("yesterday", "last week", "tomorrow", "next week", "last month")
	dataWords := hasAny("weather", "temperature", "forecast", "news", "headlines", "events")

	if dayWords && hasAny("weather", "temperature", "forecast") {
		return true
	}
	if relativeWords && dataWords {
		return true
	}
	// Location/time context also needs chaining: resolve the place or the
	// local time first, then look up the data.
	if hasAny("weather", "temperature", "forecast") && hasAny("here", "now", " in ") {
		return true
	}
	if hasAny("time") && hasAny(" in ") {
		return true
	}
	return false
}
