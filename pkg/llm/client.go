// Package llm implements the OpenAI-compatible model client used to talk to
// locally hosted council models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/retry"
)

// Client talks to OpenAI-compatible chat completion endpoints. Connection
// parameters are resolved per model from the catalog.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     logging.Logger
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a model client from the catalog.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		// Deadlines are applied per request via context; the transport only
		// bounds connection establishment.
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
			},
		},
		logger: logging.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []interfaces.Message `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream"`
}

type chatMessage struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query sends one non-streaming chat completion request. When the content
// channel comes back empty but the reasoning channel has text, the reasoning
// text is promoted to the answer and ReasoningFallback is set.
func (c *Client) Query(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	timeout := c.cfg.DefaultTimeout()
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := chatRequest{Model: model, Messages: messages, Stream: false}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
	}

	conn := c.cfg.ConnectionFor(model)
	start := time.Now()

	body, err := c.post(ctx, conn, req)
	if err != nil {
		return nil, newError(classify(err), model, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(KindParse, model, fmt.Errorf("invalid completion payload: %w", err))
	}
	if parsed.Error != nil {
		return nil, newError(KindHTTP, model, fmt.Errorf("backend error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, newError(KindEmpty, model, fmt.Errorf("no choices in response"))
	}

	msg := parsed.Choices[0].Message
	reasoning := firstNonBlank(msg.ReasoningContent, msg.Reasoning)
	content := strings.TrimSpace(msg.Content)

	resp := &interfaces.ModelResponse{
		Model:            model,
		Content:          content,
		ReasoningContent: reasoning,
		TokensGenerated:  parsed.Usage.CompletionTokens,
		GenerationTime:   time.Since(start),
	}
	if resp.TokensGenerated == 0 {
		resp.TokensGenerated = estimateTokens(content + reasoning)
	}

	if resp.Content == "" && strings.TrimSpace(reasoning) != "" {
		resp.Content = strings.TrimSpace(reasoning)
		resp.ReasoningFallback = true
		c.logger.Debug(ctx, "Promoted reasoning channel to answer", map[string]interface{}{
			"model": model,
		})
	}
	if resp.Content == "" {
		return nil, newError(KindEmpty, model, fmt.Errorf("empty response"))
	}

	return resp, nil
}

// QueryWithRetry retries Query on timeouts and connection failures only,
// sleeping backoff_factor^attempt seconds between attempts.
func (c *Client) QueryWithRetry(ctx context.Context, model string, messages []interfaces.Message, opts *interfaces.QueryOptions) (*interfaces.ModelResponse, error) {
	attempts := c.cfg.Timeouts.MaxRetries
	if opts != nil && opts.MaxRetries > 0 {
		attempts = opts.MaxRetries
	}
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.cfg.Timeouts.BackoffFactor
	if backoff <= 0 {
		backoff = 2.0
	}

	executor := retry.NewExecutor(&retry.Policy{
		MaximumAttempts:    int32(attempts),
		InitialInterval:    time.Duration(backoff * float64(time.Second)),
		BackoffCoefficient: backoff,
		MaximumInterval:    60 * time.Second,
		RetryIf:            IsRetriable,
	})

	var resp *interfaces.ModelResponse
	err := executor.Execute(ctx, func() error {
		var qerr error
		resp, qerr = c.Query(ctx, model, messages, opts)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, conn config.Connection, req chatRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.APIEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if conn.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+conn.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: truncate(string(body), 200)}
	}
	return body, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// estimateTokens approximates token count when the backend omits usage.
func estimateTokens(text string) int {
	return len(text) / 4
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
