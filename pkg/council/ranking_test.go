package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRankingLabels(t *testing.T) {
	text := `Response A (4/5) is detailed but verbose.
Response B (3/5) is accurate but shallow.
Response C (5/5) is the strongest.

FINAL RANKING:
1. Response C
2. Response A
3. Response B`

	assert.Equal(t, []string{"Response C", "Response A", "Response B"}, ParseRankingLabels(text))
}

func TestParseRankingLabelsWithoutFinalBlock(t *testing.T) {
	// No FINAL RANKING section: labels are taken in order of appearance.
	text := "I prefer Response B over Response A, with Response C last."
	assert.Equal(t, []string{"Response B", "Response A", "Response C"}, ParseRankingLabels(text))
}

func TestParseRankingLabelsEmptyText(t *testing.T) {
	assert.Empty(t, ParseRankingLabels("no labels here"))
}

func TestExtractRatingExplicitFormats(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"parenthesized", "Response A (4/5) covers the topic well.", 4},
		{"colon", "Response A: 3/5", 3},
		{"dash", "Response A - 2/5", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Ranking{Text: tt.text}
			got, ok := ExtractRating(r, "Response A")
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractRatingPositionalFallback(t *testing.T) {
	r := Ranking{
		Text:   "FINAL RANKING:\n1. Response B\n2. Response A\n3. Response C",
		Parsed: []string{"Response B", "Response A", "Response C"},
	}

	first, ok := ExtractRating(r, "Response B")
	assert.True(t, ok)
	assert.Equal(t, 5.0, first)

	second, ok := ExtractRating(r, "Response A")
	assert.True(t, ok)
	assert.Equal(t, 4.0, second)
}

func TestExtractRatingPositionalFloor(t *testing.T) {
	// Sixth place and beyond clamps to 1 rather than going negative.
	parsed := []string{"Response A", "Response B", "Response C", "Response D", "Response E", "Response F"}
	r := Ranking{Parsed: parsed}

	got, ok := ExtractRating(r, "Response F")
	assert.True(t, ok)
	assert.Equal(t, 1.0, got)
}

func TestExtractRatingAbsentLabel(t *testing.T) {
	r := Ranking{Text: "Response A (4/5)", Parsed: []string{"Response A"}}
	_, ok := ExtractRating(r, "Response Z")
	assert.False(t, ok)
}

func TestLabelsBelowThreshold(t *testing.T) {
	rankings := []Ranking{
		{Text: "Response A (1/5)\nResponse B (4/5)", Parsed: []string{"Response B", "Response A"}},
		{Text: "Response A (2/5)\nResponse B (5/5)", Parsed: []string{"Response B", "Response A"}},
	}
	labels := []string{"Response A", "Response B"}

	low := labelsBelowThreshold(rankings, labels, 3.0)
	assert.Equal(t, []string{"Response A"}, low)
}

func TestLabelsBelowThresholdAllClear(t *testing.T) {
	rankings := []Ranking{
		{Text: "Response A (4/5)", Parsed: []string{"Response A"}},
	}
	assert.Empty(t, labelsBelowThreshold(rankings, []string{"Response A"}, 1.5))
}

func TestExtractFeedback(t *testing.T) {
	rankings := []Ranking{
		{Model: "model-a", Text: "Response A is thorough but misses the edge cases entirely.\nshort A"},
		{Model: "model-b", Text: "I think Response A would benefit from concrete examples here."},
	}

	feedback := ExtractFeedback(rankings, "Response A")
	assert.Contains(t, feedback, "model-a: Response A is thorough")
	assert.Contains(t, feedback, "model-b: I think Response A")
	assert.Contains(t, feedback, "|")
}

func TestExtractFeedbackCapsAtThree(t *testing.T) {
	r := Ranking{Model: "m", Text: `Response A line one is long enough to count as feedback.
Response A line two is long enough to count as feedback.
Response A line three is long enough to count as feedback.
Response A line four is long enough to count as feedback.`}

	feedback := ExtractFeedback([]Ranking{r}, "Response A")
	assert.Len(t, splitFeedback(feedback), 3)
}

func splitFeedback(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func TestExtractFeedbackDefault(t *testing.T) {
	rankings := []Ranking{{Model: "m", Text: "nothing relevant"}}
	assert.Equal(t, "No specific feedback", ExtractFeedback(rankings, "Response A"))
}

func TestCalculateAggregateRankings(t *testing.T) {
	labelToModel := map[string]string{
		"Response A": "model-a",
		"Response B": "model-b",
	}
	rankings := []Ranking{
		{Parsed: []string{"Response A", "Response B"}},
		{Parsed: []string{"Response B", "Response A"}},
		{Parsed: []string{"Response A", "Response B"}},
	}

	agg := CalculateAggregateRankings(rankings, labelToModel, []string{"model-a", "model-b"})
	assert.Len(t, agg, 2)
	// model-a placed 1, 2, 1 → 1.33; model-b placed 2, 1, 2 → 1.67.
	assert.Equal(t, "model-a", agg[0].Model)
	assert.InDelta(t, 1.33, agg[0].AverageRank, 0.01)
	assert.Equal(t, "model-b", agg[1].Model)
	assert.InDelta(t, 1.67, agg[1].AverageRank, 0.01)
	assert.Equal(t, 3, agg[0].RankingsCount)
}

func TestCalculateAggregateRankingsTieKeepsStageOrder(t *testing.T) {
	labelToModel := map[string]string{
		"Response A": "model-a",
		"Response B": "model-b",
	}
	rankings := []Ranking{
		{Parsed: []string{"Response A", "Response B"}},
		{Parsed: []string{"Response B", "Response A"}},
	}

	agg := CalculateAggregateRankings(rankings, labelToModel, []string{"model-b", "model-a"})
	assert.Equal(t, "model-b", agg[0].Model)
	assert.Equal(t, "model-a", agg[1].Model)
}

func TestLabelFor(t *testing.T) {
	assert.Equal(t, "Response A", labelFor(0))
	assert.Equal(t, "Response D", labelFor(3))
}
