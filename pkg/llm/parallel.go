package llm

import (
	"context"
	"sync"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

// QueryModelsParallel fans one prompt out to several models concurrently and
// gathers the results. A failed model maps to nil; one failure never aborts
// the batch.
func (c *Client) QueryModelsParallel(ctx context.Context, models []string, messages []interfaces.Message, opts *interfaces.QueryOptions) map[string]*interfaces.ModelResponse {
	results := make(map[string]*interfaces.ModelResponse, len(models))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, model := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			resp, err := c.QueryWithRetry(ctx, model, messages, opts)
			if err != nil {
				c.logger.Warn(ctx, "Model failed in parallel query", map[string]interface{}{
					"model": model,
					"error": err.Error(),
				})
				resp = nil
			}
			mu.Lock()
			results[model] = resp
			mu.Unlock()
		}(model)
	}

	wg.Wait()
	return results
}
