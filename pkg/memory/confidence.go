package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

type confidenceResult struct {
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
	RecommendedAnswer string  `json:"recommended_answer"`
}

// calculateConfidence asks the confidence model whether the recalled
// memories can answer the query. Memories older than the configured maximum
// carry zero recency weight.
func (a *Adapter) calculateConfidence(ctx context.Context, query string, entries []interfaces.MemoryEntry) confidenceResult {
	if len(entries) == 0 {
		return confidenceResult{Reasoning: "No relevant memories found"}
	}

	maxAge := float64(a.cfg.Memory.MaxMemoryAgeDays)
	var lines strings.Builder
	shown := entries
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, e := range shown {
		weight := 0.5
		if e.AgeDays > 0 {
			weight = 1.0 - e.AgeDays/maxAge
			if weight < 0 {
				weight = 0
			}
		}
		fmt.Fprintf(&lines, "- [%s:%s] %s (recency weight: %.2f)\n", e.Group, e.Kind, e.Content, weight)
	}

	prompt := fmt.Sprintf(`You are evaluating whether stored memories can answer a user query with high confidence.

USER QUERY: %s

RETRIEVED MEMORIES (with recency):
%s
EVALUATION CRITERIA:
1. RELEVANCE (0-1): How directly do the memories address the query?
2. COMPLETENESS (0-1): Do the memories contain enough information to fully answer?
3. RECENCY (0-1): Are the memories recent enough to be trusted? (older = lower)
4. CERTAINTY (0-1): How confident can we be that the memories are still accurate?

Respond with ONLY a JSON object:
{
  "confidence": <overall score 0-1>,
  "reasoning": "<brief explanation>",
  "recommended_answer": "<answer to synthesize from memories if confidence >= 0.7, else null>"
}

If confidence is below 0.7, set recommended_answer to null.`, query, lines.String())

	resp, err := a.client.QueryWithRetry(ctx, a.cfg.ConfidenceModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Timeout: 30 * time.Second, MaxRetries: 1})
	if err != nil {
		return confidenceResult{Reasoning: "Confidence model failed to respond"}
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start == -1 || end <= start {
		return confidenceResult{Reasoning: "Failed to parse confidence response"}
	}

	var result confidenceResult
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &result); err != nil {
		return confidenceResult{Reasoning: "Failed to parse confidence response"}
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result
}

// GetMemoryResponse answers the query from memory when recall confidence
// clears the configured threshold. Returns nil when memory cannot answer.
func (a *Adapter) GetMemoryResponse(ctx context.Context, query string, sink interfaces.EventSink) (*interfaces.MemoryAnswer, error) {
	if !a.Enabled() {
		return nil, nil
	}

	emit := func(eventType string, data map[string]interface{}) {
		if sink != nil {
			sink.Emit(eventType, data)
		}
	}

	emit("memory_check_start", map[string]interface{}{"query": query})

	entries, err := a.SearchMemories(ctx, query, 10)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	if len(entries) == 0 {
		emit("memory_check_complete", map[string]interface{}{
			"found_memories": false,
			"confidence":     0.0,
		})
		return nil, nil
	}

	sample := make([]string, 0, 3)
	for _, e := range entries[:min(3, len(entries))] {
		content := e.Content
		if len(content) > 100 {
			content = content[:100]
		}
		sample = append(sample, content)
	}
	emit("memory_search_complete", map[string]interface{}{
		"found_memories": len(entries),
		"sample":         sample,
	})

	result := a.calculateConfidence(ctx, query, entries)
	emit("memory_confidence_calculated", map[string]interface{}{
		"confidence": result.Confidence,
		"threshold":  a.cfg.Memory.ConfidenceThreshold,
		"reasoning":  result.Reasoning,
	})

	if result.Confidence >= a.cfg.Memory.ConfidenceThreshold && strings.TrimSpace(result.RecommendedAnswer) != "" && result.RecommendedAnswer != "null" {
		emit("memory_response_generated", map[string]interface{}{
			"confidence": result.Confidence,
			"source":     "memory",
		})
		return &interfaces.MemoryAnswer{
			Response:   result.RecommendedAnswer,
			Confidence: result.Confidence,
			Source:     "memory",
		}, nil
	}

	emit("memory_check_complete", map[string]interface{}{
		"found_memories":  len(entries),
		"confidence":      result.Confidence,
		"below_threshold": true,
	})
	return nil, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
