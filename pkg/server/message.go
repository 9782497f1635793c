package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conclave-ai/conclave/pkg/events"
	"github.com/conclave-ai/conclave/pkg/router"
	"github.com/conclave-ai/conclave/pkg/storage"
	"github.com/conclave-ai/conclave/pkg/title"
)

// pollInterval is how long the SSE writer waits on the event queue before
// re-checking whether the routed turn has finished.
const pollInterval = 100 * time.Millisecond

// sendMessageRequest is the body for both message endpoints.
type sendMessageRequest struct {
	Content         string `json:"content"`
	TruncateAt      *int   `json:"truncate_at,omitempty"`
	SkipUserMessage bool   `json:"skip_user_message,omitempty"`
	RegenerateTitle bool   `json:"regenerate_title,omitempty"`
}

// handleMessage runs a full routed turn without streaming.
func (s *Server) handleMessage(c *gin.Context) {
	id := c.Param("id")
	conv, err := s.store.Get(id)
	if err != nil {
		s.conversationError(c, err)
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	isFirstMessage := len(conv.Messages) == 0
	if err := s.store.AddUserMessage(id, req.Content); err != nil {
		s.conversationError(c, err)
		return
	}

	if isFirstMessage && s.titles.Enabled() && title.IsGeneric(conv.Title) {
		go s.generateTitleInBackground(id, req.Content)
	}

	answer := s.router.Respond(c.Request.Context(), req.Content, id, nil)

	msg := assistantMessage(answer)
	if err := s.store.AddAssistantMessage(id, msg); err != nil {
		s.logger.Error(c.Request.Context(), "Failed to persist assistant message", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"type":           answer.Type,
		"model":          answer.Model,
		"response":       answer.Response,
		"stage1":         msg.Stage1,
		"stage2":         msg.Stage2,
		"stage3":         msg.Stage3,
		"tool_result":    msg.ToolResult,
		"classification": msg.Classification,
		"metadata":       msg.Metadata,
	})
}

// handleMessageStream runs a routed turn and relays every event as SSE.
func (s *Server) handleMessageStream(c *gin.Context) {
	id := c.Param("id")
	conv, err := s.store.Get(id)
	if err != nil {
		s.conversationError(c, err)
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Content == "" && !req.SkipUserMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	if req.TruncateAt != nil {
		if err := s.store.Truncate(id, *req.TruncateAt); err != nil {
			s.writeEvent(c, "error", map[string]interface{}{"message": err.Error()})
			return
		}
	}

	query := req.Content
	if req.SkipUserMessage {
		// Re-run the last user turn instead of appending a new one.
		fresh, err := s.store.Get(id)
		if err != nil {
			s.writeEvent(c, "error", map[string]interface{}{"message": err.Error()})
			return
		}
		for i := len(fresh.Messages) - 1; i >= 0; i-- {
			if fresh.Messages[i].Role == "user" {
				query = fresh.Messages[i].Content
				break
			}
		}
		if query == "" {
			s.writeEvent(c, "error", map[string]interface{}{"message": "no user message to re-run"})
			return
		}
	} else {
		if err := s.store.AddUserMessage(id, query); err != nil {
			s.writeEvent(c, "error", map[string]interface{}{"message": err.Error()})
			return
		}
	}

	isFirstMessage := len(conv.Messages) == 0
	needsTitle := s.titles.Enabled() && ((isFirstMessage && title.IsGeneric(conv.Title)) || req.RegenerateTitle)
	if needsTitle {
		s.writeEvent(c, "title_generation_start", map[string]interface{}{})
		if newTitle, err := s.titles.Generate(ctx, query); err == nil {
			if err := s.store.UpdateTitle(id, newTitle); err == nil {
				s.writeEvent(c, "title_complete", map[string]interface{}{"title": newTitle})
			} else {
				s.writeEvent(c, "title_error", map[string]interface{}{"error": err.Error()})
			}
		} else {
			s.writeEvent(c, "title_error", map[string]interface{}{"error": err.Error()})
		}
	}

	queue := events.NewQueue()
	done := make(chan *router.Answer, 1)
	go func() {
		done <- s.router.Respond(ctx, query, id, queue)
	}()

	var answer *router.Answer
	for answer == nil {
		if ev, ok := queue.Poll(ctx, pollInterval); ok {
			s.writeEvent(c, ev.Type, ev.Data)
			continue
		}
		if ctx.Err() != nil {
			// Client disconnected; the router unwinds via the context.
			<-done
			return
		}
		select {
		case answer = <-done:
		default:
		}
	}

	for _, ev := range queue.Drain() {
		s.writeEvent(c, ev.Type, ev.Data)
	}

	msg := assistantMessage(answer)
	if err := s.store.AddAssistantMessage(id, msg); err != nil {
		s.logger.Error(ctx, "Failed to persist assistant message", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
	}

	if answer.Type == "deliberation" && answer.Response != "" {
		if _, err := s.store.SaveFinalAnswerMarkdown(id, answer.Response); err != nil {
			s.logger.Warn(ctx, "Failed to export final answer markdown", map[string]interface{}{
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
	}

	s.writeEvent(c, "complete", map[string]interface{}{})
}

func (s *Server) generateTitleInBackground(id, userMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DefaultTimeout())
	defer cancel()

	newTitle, err := s.titles.Generate(ctx, userMessage)
	if err != nil {
		s.logger.Warn(ctx, "Background title generation failed", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
		return
	}
	if err := s.store.UpdateTitle(id, newTitle); err != nil {
		s.logger.Warn(ctx, "Failed to store generated title", map[string]interface{}{
			"conversation_id": id,
			"error":           err.Error(),
		})
	}
}

// writeEvent emits one SSE frame and flushes it immediately.
func (s *Server) writeEvent(c *gin.Context, eventType string, data map[string]interface{}) {
	payload := map[string]interface{}{"type": eventType}
	for k, v := range data {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	c.Writer.Flush()
}

// assistantMessage converts a routed answer into its persisted form.
func assistantMessage(answer *router.Answer) storage.Message {
	msg := storage.Message{
		Role: "assistant",
		Type: answer.Type,
		Classification: map[string]interface{}{
			"type":           string(answer.Classification.Type),
			"requires_tools": answer.Classification.RequiresTools,
			"reasoning":      answer.Classification.Reasoning,
		},
	}

	if answer.ToolOutcome != nil && answer.ToolOutcome.Used {
		msg.ToolResult = answer.ToolOutcome.Results
	}

	if answer.Type == "deliberation" && answer.Council != nil {
		result := answer.Council
		msg.Stage1 = result.Stage1
		if len(result.Rounds) > 0 {
			msg.Stage2 = result.Rounds[len(result.Rounds)-1]
		}
		msg.Stage3 = map[string]interface{}{
			"model":    result.FinalModel,
			"response": result.FinalResponse,
		}
		msg.Metadata = map[string]interface{}{
			"label_to_model":     result.LabelToModel,
			"aggregate_rankings": result.Aggregate,
			"rounds":             len(result.Rounds),
		}
		return msg
	}

	msg.Response = map[string]interface{}{
		"model":    answer.Model,
		"response": answer.Response,
	}
	if answer.Type == "memory" {
		msg.Metadata = map[string]interface{}{
			"confidence": answer.Confidence,
			"source":     "memory",
		}
	}
	return msg
}
