// Package interfaces defines the shared types and contracts used across the
// council backend: model client, tool registry, memory, and stream events.
package interfaces

import (
	"context"
	"time"
)

// Message is a single chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelResponse is the result of a non-streaming model query.
type ModelResponse struct {
	Model            string
	Content          string
	ReasoningContent string
	// ReasoningFallback is true when Content was empty and the reasoning
	// channel was promoted to the answer.
	ReasoningFallback bool
	TokensGenerated   int
	GenerationTime    time.Duration
}

// ChunkType identifies a streaming chunk variant.
type ChunkType string

const (
	ChunkThinking ChunkType = "thinking"
	ChunkToken    ChunkType = "token"
	ChunkComplete ChunkType = "complete"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of streamed model output. Content and Reasoning
// are cumulative; Delta holds only the new fragment.
type StreamChunk struct {
	Type      ChunkType
	Model     string
	Delta     string
	Content   string
	Reasoning string
	Err       error
}

// QueryOptions carries per-call tuning for model queries. A nil options
// pointer means defaults everywhere.
type QueryOptions struct {
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// ModelClient abstracts the OpenAI-compatible model backend.
type ModelClient interface {
	Query(ctx context.Context, model string, messages []Message, opts *QueryOptions) (*ModelResponse, error)
	QueryWithRetry(ctx context.Context, model string, messages []Message, opts *QueryOptions) (*ModelResponse, error)
	QueryStream(ctx context.Context, model string, messages []Message, opts *QueryOptions) (<-chan StreamChunk, error)
	QueryModelsParallel(ctx context.Context, models []string, messages []Message, opts *QueryOptions) map[string]*ModelResponse
}

// ToolResult is the uniform envelope returned by every tool invocation.
type ToolResult struct {
	Success              bool                   `json:"success"`
	Server               string                 `json:"server"`
	Tool                 string                 `json:"tool"`
	Input                map[string]interface{} `json:"input"`
	Output               interface{}            `json:"output"`
	ExecutionTimeSeconds float64                `json:"execution_time_seconds"`
	Error                string                 `json:"error,omitempty"`
}

// ToolInfo describes one registered MCP tool.
type ToolInfo struct {
	Server      string
	Name        string
	FullName    string
	Description string
	Schema      map[string]interface{}
}

// ToolRegistry abstracts the MCP server registry.
type ToolRegistry interface {
	CallTool(ctx context.Context, fullName string, args map[string]interface{}) ToolResult
	ShouldUseTools(query string) bool
	ListTools() []ToolInfo
	HasTool(fullName string) bool
	GetDetailedToolInfo() string
}

// MemoryAnswer is a memory-backed answer candidate for a query.
type MemoryAnswer struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// MemoryEntry is one recalled memory item.
type MemoryEntry struct {
	UUID    string
	Kind    string // "node" or "fact"
	Name    string
	Content string
	Group   string
	AgeDays float64
}

// Memory abstracts the long-term memory adapter.
type Memory interface {
	Enabled() bool
	GetMemoryResponse(ctx context.Context, query string, sink EventSink) (*MemoryAnswer, error)
	SearchMemories(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	RecordEpisode(content, source, episodeType string, metadata map[string]interface{})
}

// Event is one server-sent event emitted during a streamed request.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"-"`
}

// EventSink receives events from producers during a streamed request.
type EventSink interface {
	Emit(eventType string, data map[string]interface{})
}
