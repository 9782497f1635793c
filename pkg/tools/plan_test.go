package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	response := `{
  "steps": [
    {
      "step_number": 1,
      "description": "resolve the date",
      "tool": "datetime.resolve",
      "depends_on": [],
      "parameters": {"date": "LAST_MONDAY"}
    },
    {
      "step_number": 2,
      "description": "look up the weather",
      "tool": "weather.history",
      "depends_on": [1],
      "parameters": {"date": "$step_1.date", "location": "Berlin"}
    }
  ]
}`

	plan, err := ParsePlan(response)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "datetime.resolve", plan.Steps[0].Tool)
	assert.Equal(t, []int{1}, plan.Steps[1].DependsOn)
	assert.Equal(t, "$step_1.date", plan.Steps[1].Parameters["date"])
}

func TestParsePlanStripsFencesAndProse(t *testing.T) {
	response := "Here is the plan you asked for:\n```json\n" +
		`{"steps": [{"step_number": 1, "description": "d", "tool": "t.x", "parameters": {}}]}` +
		"\n```\nLet me know if you need changes."

	plan, err := ParsePlan(response)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "t.x", plan.Steps[0].Tool)
}

func TestParsePlanBackfillsStepNumbers(t *testing.T) {
	response := `{"steps": [
		{"description": "a", "tool": "t.a", "parameters": {}},
		{"description": "b", "tool": "t.b", "parameters": {}}
	]}`

	plan, err := ParsePlan(response)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Steps[0].StepNumber)
	assert.Equal(t, 2, plan.Steps[1].StepNumber)
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no JSON at all", "I could not produce a plan."},
		{"empty steps", `{"steps": []}`},
		{"step without tool", `{"steps": [{"description": "d", "parameters": {}}]}`},
		{"malformed JSON", `{"steps": [{"tool": }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.response)
			assert.Error(t, err)
		})
	}
}

func TestNeedsOrchestration(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"what was the weather last monday in Berlin", true},
		{"temperature on Friday?", true},
		{"what were the headlines yesterday", true},
		{"news from last week", true},
		{"what's the weather in Tokyo?", true},
		{"what is the weather here", true},
		{"how is the weather right now", true},
		{"what time is it in London", true},
		{"what is the weather", false},
		{"tell me about Mondays in history", false},
		{"what is 2 plus 2", false},
		{"do you have time for a question", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, needsOrchestration(tt.query))
		})
	}
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, IsRefusal("I'm sorry, but I cannot access real-time data."))
	assert.True(t, IsRefusal("Unfortunately my knowledge cutoff is 2023."))
	assert.True(t, IsRefusal("I CANNOT BROWSE the web."))
	assert.False(t, IsRefusal("The weather in Berlin was 18C and sunny."))
	assert.False(t, IsRefusal(""))
}
