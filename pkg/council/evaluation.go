package council

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

var errNoScores = errors.New("no score object in evaluation response")

// evaluateResponses grades every stage-1 answer in the background. Each
// answer is scored by a peer picked from the leaderboard, never by its own
// model. Runs detached from the request: the caller hands over a copy of the
// answers and no request-scoped resources, so a disconnecting client cannot
// lose the scores or race a drained event queue.
func (e *Engine) evaluateResponses(query string, answers []ModelAnswer) {
	councilModels := e.cfg.CouncilModelIDs()

	for _, answer := range answers {
		evaluator, ok := e.tracker.SelectEvaluator(councilModels, answer.Model)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EvaluationTimeout())
		scores, err := e.queryEvaluation(ctx, evaluator, query, answer.Response)
		cancel()
		if err != nil {
			e.logger.Warn(context.Background(), "Peer evaluation failed", map[string]interface{}{
				"model":     answer.Model,
				"evaluator": evaluator,
				"error":     err.Error(),
			})
			continue
		}

		e.tracker.RecordEvaluation(answer.Model, scores)
		e.logger.Debug(context.Background(), "Peer evaluation recorded", map[string]interface{}{
			"model":     answer.Model,
			"evaluator": evaluator,
		})
	}
}

// queryEvaluation runs one grading query and parses its JSON scores.
func (e *Engine) queryEvaluation(ctx context.Context, evaluator, query, response string) (map[string]int, error) {
	resp, err := e.client.QueryWithRetry(ctx, evaluator, []interfaces.Message{
		{Role: "user", Content: evaluationPrompt(query, response)},
	}, &interfaces.QueryOptions{Timeout: 30 * time.Second, MaxRetries: 1})
	if err != nil {
		return nil, err
	}
	return parseEvaluationScores(resp.Content)
}

// parseEvaluationScores extracts the category scores from an evaluation
// reply. Missing or out-of-range categories default to 3.
func parseEvaluationScores(text string) (map[string]int, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, errNoScores
	}

	var raw map[string]float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}

	scores := map[string]int{}
	for _, cat := range []string{"verbosity", "expertise", "adherence", "clarity", "overall"} {
		v, ok := raw[cat]
		score := int(v)
		if !ok || score < 1 || score > 5 {
			score = 3
		}
		scores[cat] = score
	}
	return scores, nil
}
