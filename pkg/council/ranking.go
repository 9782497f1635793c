package council

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Ranking is one council member's evaluation of the anonymized responses.
type Ranking struct {
	Model  string
	Text   string
	Parsed []string // labels in ranked order, best first
	Round  int
}

var (
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelPattern         = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRankingLabels extracts the ordered labels from a ranking response.
// The FINAL RANKING block is authoritative; without it any "Response X"
// mentions are taken in order of appearance.
func ParseRankingLabels(text string) []string {
	section := text
	if idx := strings.Index(text, "FINAL RANKING:"); idx != -1 {
		section = text[idx+len("FINAL RANKING:"):]
		if numbered := numberedLabelPattern.FindAllString(section, -1); len(numbered) > 0 {
			out := make([]string, 0, len(numbered))
			for _, m := range numbered {
				out = append(out, labelPattern.FindString(m))
			}
			return out
		}
	}
	return labelPattern.FindAllString(section, -1)
}

// labelFor returns the anonymized label for a stage-1 position: A, B, C...
func labelFor(i int) string {
	return fmt.Sprintf("Response %c", rune('A'+i))
}

// ratingPatterns match an explicit x/5 rating attached to a label, tried in
// order: "(4/5)", ": 4/5", "- 4/5".
func ratingPatterns(label string) []*regexp.Regexp {
	quoted := regexp.QuoteMeta(label)
	return []*regexp.Regexp{
		regexp.MustCompile(quoted + `[^(\n]*\((\d)/5\)`),
		regexp.MustCompile(quoted + `\s*:\s*(\d)/5`),
		regexp.MustCompile(quoted + `\s*-\s*(\d)/5`),
	}
}

// ExtractRating returns a label's rating from one ranking. Explicit x/5
// ratings win; otherwise the rating is positional, first place scoring 5
// and each later place one less (floor 1). Returns false when the label is
// absent from the ranking entirely.
func ExtractRating(r Ranking, label string) (float64, bool) {
	for _, p := range ratingPatterns(label) {
		if m := p.FindStringSubmatch(r.Text); m != nil {
			v, err := strconv.Atoi(m[1])
			if err == nil {
				return clampRating(float64(v)), true
			}
		}
	}
	for pos, l := range r.Parsed {
		if l == label {
			return clampRating(float64(5 - pos)), true
		}
	}
	return 0, false
}

func clampRating(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// averageRating averages a label's rating across all rankings that mention
// it. Returns false when no ranking rated the label.
func averageRating(rankings []Ranking, label string) (float64, bool) {
	sum := 0.0
	n := 0
	for _, r := range rankings {
		if v, ok := ExtractRating(r, label); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// labelsBelowThreshold returns the labels whose average rating falls under
// the quality floor, in label order.
func labelsBelowThreshold(rankings []Ranking, labels []string, floor float64) []string {
	var out []string
	for _, label := range labels {
		if avg, ok := averageRating(rankings, label); ok && avg < floor {
			out = append(out, label)
		}
	}
	return out
}

// maxFeedbackItems caps how many reviewer sentences feed one refinement.
const maxFeedbackItems = 3

// ExtractFeedback collects up to maxFeedbackItems reviewer lines about a
// label, joined by "|".
func ExtractFeedback(rankings []Ranking, label string) string {
	lowerLabel := strings.ToLower(label)
	var items []string
	for _, r := range rankings {
		for _, line := range strings.Split(r.Text, "\n") {
			lower := strings.ToLower(line)
			if strings.Contains(lower, lowerLabel) && len(strings.TrimSpace(line)) > 20 {
				items = append(items, r.Model+": "+strings.TrimSpace(line))
				if len(items) >= maxFeedbackItems {
					return strings.Join(items, "|")
				}
			}
		}
	}
	if len(items) == 0 {
		return "No specific feedback"
	}
	return strings.Join(items, "|")
}

// AggregateEntry is one model's aggregate standing after stage 2.
type AggregateEntry struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// CalculateAggregateRankings averages each model's position across the
// final round's rankings. Lower is better; ties keep stage-1 order.
func CalculateAggregateRankings(rankings []Ranking, labelToModel map[string]string, stage1Order []string) []AggregateEntry {
	positions := map[string][]int{}
	for _, r := range rankings {
		for pos, label := range r.Parsed {
			if model, ok := labelToModel[label]; ok {
				positions[model] = append(positions[model], pos+1)
			}
		}
	}

	orderIndex := map[string]int{}
	for i, m := range stage1Order {
		orderIndex[m] = i
	}

	var out []AggregateEntry
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		avg := float64(sum) / float64(len(ps))
		out = append(out, AggregateEntry{
			Model:         model,
			AverageRank:   float64(int(avg*100+0.5)) / 100,
			RankingsCount: len(ps),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AverageRank != out[j].AverageRank {
			return out[i].AverageRank < out[j].AverageRank
		}
		return orderIndex[out[i].Model] < orderIndex[out[j].Model]
	})
	return out
}
