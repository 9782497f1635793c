// Package metrics tracks per-model reliability and quality scores used to
// pick evaluators and expose rankings.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/logging"
)

// evaluation score categories, all on a 1-5 scale.
var scoreCategories = []string{"verbosity", "expertise", "adherence", "clarity", "overall"}

// compositeWeights blend category averages into one rating.
var compositeWeights = map[string]float64{
	"verbosity": 0.10,
	"expertise": 0.30,
	"adherence": 0.30,
	"clarity":   0.15,
	"overall":   0.15,
}

// maxEvaluationHistory bounds the rolling score window per category.
const maxEvaluationHistory = 100

// ModelMetrics is the persisted record for one model.
type ModelMetrics struct {
	TotalQueries          int                `json:"total_queries"`
	SuccessfulQueries     int                `json:"successful_queries"`
	FailedQueries         int                `json:"failed_queries"`
	Retries               int                `json:"retries"`
	TotalTokensGenerated  int                `json:"total_tokens_generated"`
	TotalGenerationTimeMS float64            `json:"total_generation_time_ms"`
	Evaluations           map[string][]int   `json:"evaluations"`
	AverageScores         map[string]float64 `json:"average_scores"`
	CompositeRating       float64            `json:"composite_rating"`
	Rank                  int                `json:"rank"`
}

type metricsFile struct {
	Models      map[string]*ModelMetrics `json:"models"`
	LastUpdated string                   `json:"last_updated"`
}

// Tracker persists model metrics to a JSON file with a markdown mirror.
type Tracker struct {
	mu     sync.Mutex
	path   string
	data   metricsFile
	logger logging.Logger
}

// NewTracker loads (or creates) the metrics store under dataDir.
func NewTracker(dataDir string, logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.New()
	}
	t := &Tracker{
		path:   filepath.Join(dataDir, "llm_metrics.json"),
		data:   metricsFile{Models: map[string]*ModelMetrics{}},
		logger: logger,
	}
	if raw, err := os.ReadFile(t.path); err == nil {
		var parsed metricsFile
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Models != nil {
			t.data = parsed
		}
	}
	return t
}

func newModelMetrics() *ModelMetrics {
	m := &ModelMetrics{
		Evaluations:   map[string][]int{},
		AverageScores: map[string]float64{},
	}
	for _, cat := range scoreCategories {
		m.Evaluations[cat] = []int{}
		m.AverageScores[cat] = 0
	}
	return m
}

func (t *Tracker) model(id string) *ModelMetrics {
	m, ok := t.data.Models[id]
	if !ok {
		m = newModelMetrics()
		t.data.Models[id] = m
	}
	return m
}

// RecordQueryResult records the outcome of one model query.
func (t *Tracker) RecordQueryResult(modelID string, success bool, tokensGenerated int, generationTime time.Duration, retried bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.model(modelID)
	m.TotalQueries++
	if success {
		m.SuccessfulQueries++
		m.TotalTokensGenerated += tokensGenerated
		m.TotalGenerationTimeMS += float64(generationTime.Milliseconds())
	} else {
		m.FailedQueries++
	}
	if retried {
		m.Retries++
	}
	t.save()
}

// RecordEvaluation appends one peer evaluation, recomputes averages, the
// composite rating, and the ranking. Scores are clamped to 1-5.
func (t *Tracker) RecordEvaluation(modelID string, scores map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.model(modelID)
	for _, cat := range scoreCategories {
		score := clampScore(scores[cat])
		m.Evaluations[cat] = append(m.Evaluations[cat], score)
		if len(m.Evaluations[cat]) > maxEvaluationHistory {
			m.Evaluations[cat] = m.Evaluations[cat][len(m.Evaluations[cat])-maxEvaluationHistory:]
		}
	}

	for _, cat := range scoreCategories {
		m.AverageScores[cat] = average(m.Evaluations[cat])
	}
	m.CompositeRating = 0
	for cat, weight := range compositeWeights {
		m.CompositeRating += m.AverageScores[cat] * weight
	}

	t.updateRankings()
	t.save()
}

func clampScore(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

func average(scores []int) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range scores {
		sum += s
	}
	return float64(sum) / float64(len(scores))
}

func (t *Tracker) updateRankings() {
	type rated struct {
		id     string
		rating float64
	}
	models := make([]rated, 0, len(t.data.Models))
	for id, m := range t.data.Models {
		models = append(models, rated{id, m.CompositeRating})
	}
	sort.SliceStable(models, func(i, j int) bool { return models[i].rating > models[j].rating })
	for i, m := range models {
		t.data.Models[m.id].Rank = i + 1
	}
}

// HighestRatedModel returns the best-rated model not in the exclusion list.
// Models with no evaluations yet are skipped.
func (t *Tracker) HighestRatedModel(exclude []string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	excluded := map[string]bool{}
	for _, id := range exclude {
		excluded[id] = true
	}

	best := ""
	bestRating := 0.0
	for id, m := range t.data.Models {
		if excluded[id] || m.CompositeRating <= 0 {
			continue
		}
		if best == "" || m.CompositeRating > bestRating {
			best = id
			bestRating = m.CompositeRating
		}
	}
	return best, best != ""
}

// RandomModel picks a random model from the list, excluding one id.
func RandomModel(models []string, exclude string) (string, bool) {
	candidates := make([]string, 0, len(models))
	for _, m := range models {
		if m != exclude {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// SelectEvaluator picks the model that will grade target's response: the
// highest-rated other model when ratings exist, otherwise a random peer.
func (t *Tracker) SelectEvaluator(councilModels []string, target string) (string, bool) {
	if evaluator, ok := t.HighestRatedModel([]string{target}); ok {
		return evaluator, true
	}
	return RandomModel(councilModels, target)
}

// RankingEntry is one row of the model leaderboard.
type RankingEntry struct {
	Model           string             `json:"model"`
	Rank            int                `json:"rank"`
	CompositeRating float64            `json:"composite_rating"`
	TotalQueries    int                `json:"total_queries"`
	SuccessRate     float64            `json:"success_rate"`
	AvgTokensPerSec float64            `json:"avg_tokens_per_sec"`
	AverageScores   map[string]float64 `json:"average_scores"`
}

// Ranking returns the leaderboard sorted by rank.
func (t *Tracker) Ranking() []RankingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RankingEntry, 0, len(t.data.Models))
	for id, m := range t.data.Models {
		entry := RankingEntry{
			Model:           id,
			Rank:            m.Rank,
			CompositeRating: round2(m.CompositeRating),
			TotalQueries:    m.TotalQueries,
			AverageScores:   m.AverageScores,
		}
		if m.TotalQueries > 0 {
			entry.SuccessRate = round1(float64(m.SuccessfulQueries) / float64(m.TotalQueries) * 100)
		}
		if m.TotalGenerationTimeMS > 0 {
			entry.AvgTokensPerSec = round1(float64(m.TotalTokensGenerated) / (m.TotalGenerationTimeMS / 1000))
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// All returns the raw metrics document.
func (t *Tracker) All() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, _ := json.Marshal(t.data)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func (t *Tracker) save() {
	t.data.LastUpdated = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Error(context.Background(), "Failed to create metrics dir", map[string]interface{}{"error": err.Error()})
		return
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(t.path, raw, 0o644); err != nil {
		t.logger.Error(context.Background(), "Failed to write metrics", map[string]interface{}{"error": err.Error()})
		return
	}
	t.writeMarkdownMirror()
}

// writeMarkdownMirror renders a human-readable leaderboard next to the JSON.
func (t *Tracker) writeMarkdownMirror() {
	var b strings.Builder
	b.WriteString("# Model Leaderboard\n\n")
	b.WriteString(fmt.Sprintf("Updated: %s\n\n", t.data.LastUpdated))
	b.WriteString("| Rank | Model | Rating | Queries | Success | Retries |\n")
	b.WriteString("|------|-------|--------|---------|---------|---------|\n")

	type row struct {
		id string
		m  *ModelMetrics
	}
	rows := make([]row, 0, len(t.data.Models))
	for id, m := range t.data.Models {
		rows = append(rows, row{id, m})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].m.Rank < rows[j].m.Rank })

	for _, r := range rows {
		success := 0.0
		if r.m.TotalQueries > 0 {
			success = float64(r.m.SuccessfulQueries) / float64(r.m.TotalQueries) * 100
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %.2f | %d | %.1f%% | %d |\n",
			r.m.Rank, r.id, r.m.CompositeRating, r.m.TotalQueries, success, r.m.Retries))
	}

	mdPath := strings.TrimSuffix(t.path, ".json") + ".md"
	_ = os.WriteFile(mdPath, []byte(b.String()), 0o644)
}

func round1(v float64) float64 { return float64(int(v*10+0.5)) / 10 }
func round2(v float64) float64 { return float64(int(v*100+0.5)) / 100 }
