package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

type streamDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
}

type streamRecord struct {
	Choices []struct {
		Delta        streamDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// QueryStream opens a streaming chat completion and returns a channel of
// chunks. The channel is closed after the terminal complete or error chunk.
// Liveness is enforced per chunk: the stream fails if the backend stays
// silent longer than the configured chunk timeout, regardless of total
// generation time.
func (c *Client) QueryStream(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (<-chan interfaces.StreamChunk, error) {
	req := chatRequest{Model: model, Messages: messages, Stream: true}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindParse, model, fmt.Errorf("failed to marshal request: %w", err))
	}

	conn := c.cfg.ConnectionFor(model)
	reqCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, conn.APIEndpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, newError(KindTransport, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if conn.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+conn.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, newError(classify(err), model, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, newError(KindHTTP, model, &httpStatusError{status: resp.StatusCode, body: string(body)})
	}

	out := make(chan interfaces.StreamChunk, 64)
	go c.readStream(reqCtx, cancel, resp.Body, model, out)
	return out, nil
}

func (c *Client) readStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, model string, out chan<- interfaces.StreamChunk) {
	defer close(out)
	defer cancel()
	defer body.Close()

	chunkTimeout := c.cfg.StreamChunkTimeout()

	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var content, reasoning strings.Builder
	timer := time.NewTimer(chunkTimeout)
	defer timer.Stop()

	emitComplete := func() {
		final := strings.TrimSpace(content.String())
		if final == "" {
			final = strings.TrimSpace(reasoning.String())
		}
		out <- interfaces.StreamChunk{
			Type:      interfaces.ChunkComplete,
			Model:     model,
			Content:   final,
			Reasoning: reasoning.String(),
		}
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(chunkTimeout)

		select {
		case <-ctx.Done():
			out <- interfaces.StreamChunk{Type: interfaces.ChunkError, Model: model, Err: newError(KindTimeout, model, ctx.Err())}
			return

		case <-timer.C:
			c.logger.Warn(ctx, "Stream chunk timeout", map[string]interface{}{
				"model":   model,
				"timeout": chunkTimeout.String(),
			})
			out <- interfaces.StreamChunk{Type: interfaces.ChunkError, Model: model, Err: newError(KindTimeout, model, fmt.Errorf("no chunk within %s", chunkTimeout))}
			return

		case err := <-readErr:
			if err != nil {
				out <- interfaces.StreamChunk{Type: interfaces.ChunkError, Model: model, Err: newError(classify(err), model, err)}
				return
			}
			// Clean EOF without an explicit [DONE] marker.
			emitComplete()
			return

		case line := <-lines:
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				emitComplete()
				return
			}

			var record streamRecord
			if err := json.Unmarshal([]byte(data), &record); err != nil {
				// Malformed records are skipped, not fatal.
				continue
			}
			if len(record.Choices) == 0 {
				continue
			}

			delta := record.Choices[0].Delta
			if think := firstNonBlank(delta.ReasoningContent, delta.Reasoning); think != "" {
				reasoning.WriteString(think)
				out <- interfaces.StreamChunk{
					Type:      interfaces.ChunkThinking,
					Model:     model,
					Delta:     think,
					Content:   content.String(),
					Reasoning: reasoning.String(),
				}
			}
			if delta.Content != "" {
				content.WriteString(delta.Content)
				out <- interfaces.StreamChunk{
					Type:      interfaces.ChunkToken,
					Model:     model,
					Delta:     delta.Content,
					Content:   content.String(),
					Reasoning: reasoning.String(),
				}
			}
		}
	}
}
