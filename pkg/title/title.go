// Package title generates short, meaningful conversation titles from the
// first user message.
package title

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
)

// idTitlePattern matches placeholder titles like "Conversation abc12345".
var idTitlePattern = regexp.MustCompile(`^conversation\s+[a-f0-9]{8}$`)

// genericTitles are exact titles that always need replacement.
var genericTitles = map[string]bool{
	"new conversation": true,
	"untitled":         true,
	"conversation":     true,
	"chat":             true,
	"new chat":         true,
	"unnamed":          true,
	"no title":         true,
}

// strippablePrefixes are decorations models prepend to a bare title.
var strippablePrefixes = []string{
	"title:", "conversation:", "topic:", `"`, "'", "`",
}

// Generator produces conversation titles via the chairman model.
type Generator struct {
	cfg    *config.Config
	client interfaces.ModelClient
	logger logging.Logger
}

// New creates a title generator.
func New(cfg *config.Config, client interfaces.ModelClient, logger logging.Logger) *Generator {
	if logger == nil {
		logger = logging.New()
	}
	return &Generator{cfg: cfg, client: client, logger: logger}
}

// Enabled reports whether title generation is turned on.
func (g *Generator) Enabled() bool {
	return g.cfg.Title.Enabled
}

// IsGeneric reports whether a title is a placeholder needing replacement.
func IsGeneric(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return true
	}
	if genericTitles[t] {
		return true
	}
	return idTitlePattern.MatchString(t)
}

// Generate produces a 3-5 word title from the first user message. Returns
// an error when the model fails or the cleaned title is unusable.
func (g *Generator) Generate(ctx context.Context, userMessage string) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", fmt.Errorf("no user message to title")
	}

	prompt := fmt.Sprintf(`Generate a concise, meaningful title for a conversation that starts with this user message:

"%s"

Requirements:
- 3-5 words maximum
- Descriptive and specific
- No quotes around the title
- Focus on the main topic/intent

Title:`, userMessage)

	timeout := time.Duration(g.cfg.Title.TimeoutSeconds) * time.Second
	resp, err := g.client.QueryWithRetry(ctx, g.cfg.ChairmanModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Timeout: timeout, MaxRetries: g.cfg.Title.RetryAttempts - 1})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := Clean(resp.Content)
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	if len(title) < 3 {
		return "", fmt.Errorf("generated title too short: %q", title)
	}
	return title, nil
}

// Clean strips model decorations from a generated title and capitalizes it.
func Clean(title string) string {
	title = strings.TrimSpace(title)

	// Thinking models sometimes echo reasoning before the title; keep the
	// last non-empty line.
	if lines := strings.Split(title, "\n"); len(lines) > 1 {
		for i := len(lines) - 1; i >= 0; i-- {
			if s := strings.TrimSpace(lines[i]); s != "" {
				title = s
				break
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, prefix := range strippablePrefixes {
			if len(title) >= len(prefix) && strings.EqualFold(title[:len(prefix)], prefix) {
				title = strings.TrimSpace(title[len(prefix):])
				changed = true
			}
		}
	}

	title = strings.TrimRight(title, "\"'`.;:")

	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	return title
}
