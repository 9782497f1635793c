// Package memory adapts the council to a Graphiti knowledge-graph MCP
// server: episode recording by memory type, cross-group recall, and
// confidence-gated answers.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
)

// GraphServerName is the MCP server expected to host the memory tools.
const GraphServerName = "graphiti"

// memoryType describes one human memory category used for classification.
type memoryType struct {
	description string
	examples    []string
}

// memoryTypes are the categories episodes are filed under. Each maps to its
// own group id so recall can weight by category.
var memoryTypes = map[string]memoryType{
	"episodic": {
		"Personal experiences, events, and specific moments in time",
		[]string{"I went to a meeting yesterday", "The user asked about weather last week"},
	},
	"semantic": {
		"General knowledge, facts, concepts, and meanings",
		[]string{"Paris is the capital of France", "Python is a programming language"},
	},
	"procedural": {
		"How to do things, skills, processes, and step-by-step instructions",
		[]string{"How to write code", "Steps to deploy an application"},
	},
	"priming": {
		"Associations, patterns, and contextual cues that influence responses",
		[]string{"User prefers concise answers", "Technical context suggests coding"},
	},
	"emotional": {
		"Feelings, sentiments, and emotional context",
		[]string{"User seems frustrated", "Positive feedback about a feature"},
	},
	"prospective": {
		"Future intentions, plans, reminders, and goals",
		[]string{"User wants to learn ML next month", "Reminder to follow up"},
	},
	"autobiographical": {
		"Information about the user's identity, preferences, and personal details",
		[]string{"User's name is Max", "Works as a software engineer"},
	},
	"spatial": {
		"Location-based information, navigation, and spatial relationships",
		[]string{"User is in San Francisco", "Server located in US-East"},
	},
}

func memoryTypeNames() []string {
	names := make([]string, 0, len(memoryTypes))
	for name := range memoryTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Adapter is the memory service backed by the Graphiti MCP server.
type Adapter struct {
	cfg      *config.Config
	client   interfaces.ModelClient
	registry interfaces.ToolRegistry
	logger   logging.Logger
	now      func() time.Time

	mu             sync.Mutex
	available      bool
	identityLoaded bool
	aiName         string
	userName       string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithClock overrides the clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates a memory adapter.
func New(cfg *config.Config, client interfaces.ModelClient, registry interfaces.ToolRegistry, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		client:   client,
		registry: registry,
		logger:   logging.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize verifies the graph server is registered and preloads identity
// facts in the background.
func (a *Adapter) Initialize(ctx context.Context) bool {
	if !a.cfg.Memory.Enabled {
		return false
	}
	if !a.registry.HasTool(GraphServerName + ".add_memory") {
		a.logger.Warn(ctx, "Memory disabled: graph server not registered", map[string]interface{}{
			"server": GraphServerName,
		})
		return false
	}

	a.mu.Lock()
	a.available = true
	a.mu.Unlock()

	go a.preloadIdentity()

	a.logger.Info(ctx, "Memory service initialized", map[string]interface{}{
		"group": a.cfg.Memory.GroupID,
	})
	return true
}

// Enabled reports whether the adapter is live.
func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// IdentityLoaded reports whether the identity preload finished.
func (a *Adapter) IdentityLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identityLoaded
}

// IdentityContext renders preloaded identity facts for prompt injection.
func (a *Adapter) IdentityContext() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.identityLoaded {
		return ""
	}
	var parts []string
	if a.aiName != "" {
		parts = append(parts, "The assistant's name is "+a.aiName+".")
	}
	if a.userName != "" {
		parts = append(parts, "The user's name is "+a.userName+".")
	}
	return strings.Join(parts, " ")
}

func (a *Adapter) preloadIdentity() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aiName := a.firstMemoryMatch(ctx, "AI assistant name")
	userName := a.firstMemoryMatch(ctx, "user name identity")

	a.mu.Lock()
	a.aiName = aiName
	a.userName = userName
	a.identityLoaded = true
	a.mu.Unlock()
}

func (a *Adapter) firstMemoryMatch(ctx context.Context, query string) string {
	entries, err := a.SearchMemories(ctx, query, 2)
	if err != nil || len(entries) == 0 {
		return ""
	}
	return entries[0].Content
}

func (a *Adapter) groupIDForType(memType string) string {
	if memType == "general" {
		return a.cfg.Memory.GroupID
	}
	return a.cfg.Memory.GroupID + "_" + memType
}

func (a *Adapter) allGroupIDs() []string {
	groups := []string{a.cfg.Memory.GroupID}
	for _, name := range memoryTypeNames() {
		groups = append(groups, a.cfg.Memory.GroupID+"_"+name)
	}
	return groups
}

// classifyMemoryTypes asks a lightweight model which categories the content
// belongs to. Unknown or failed classifications fall back to "general".
func (a *Adapter) classifyMemoryTypes(ctx context.Context, content string) []string {
	var descriptions strings.Builder
	for _, name := range memoryTypeNames() {
		info := memoryTypes[name]
		fmt.Fprintf(&descriptions, "- %s: %s (examples: %s)\n",
			name, info.description, strings.Join(info.examples, ", "))
	}

	snippet := content
	if len(snippet) > 500 {
		snippet = snippet[:500]
	}

	prompt := fmt.Sprintf(`Classify the following content into one or more memory types.
Return ONLY the type names separated by commas, nothing else.

Memory Types:
%s
Content to classify:
"%s"

Types (comma-separated):`, descriptions.String(), snippet)

	temp := 0.1
	resp, err := a.client.QueryWithRetry(ctx, a.cfg.CategorizationModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 30 * time.Second, MaxRetries: 1})
	if err != nil {
		return []string{"general"}
	}

	lower := strings.ToLower(resp.Content)
	var found []string
	for _, name := range memoryTypeNames() {
		if strings.Contains(lower, name) {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return []string{"general"}
	}
	return found
}

// RecordEpisode writes one episode per classified memory type. It is
// fire-and-forget: the write happens on a background goroutine with its own
// deadline and a copy of the inputs, and failures only log.
func (a *Adapter) RecordEpisode(content, source, episodeType string, metadata map[string]interface{}) {
	if !a.Enabled() {
		return
	}

	metaCopy := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		metaCopy[k] = v
	}
	refTime := a.now().UTC()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		types := a.classifyMemoryTypes(ctx, content)
		metaCopy["all_types"] = types

		for _, memType := range types {
			metaCopy["memory_type"] = memType
			metaJSON, _ := json.Marshal(metaCopy)

			groupID := a.groupIDForType(memType)
			result := a.registry.CallTool(ctx, GraphServerName+".add_memory", map[string]interface{}{
				"name":               fmt.Sprintf("%s_%s", episodeType, refTime.Format("20060102_150405")),
				"episode_body":       content,
				"source":             "text",
				"source_description": source,
				"group_id":           groupID,
				"metadata":           string(metaJSON),
			})
			if !result.Success {
				a.logger.Warn(ctx, "Failed to record episode", map[string]interface{}{
					"group": groupID,
					"error": result.Error,
				})
				continue
			}
			a.logger.Debug(ctx, "Recorded episode", map[string]interface{}{
				"group":  groupID,
				"source": source,
			})
		}
	}()
}

// RecordUserMessage records a user message.
func (a *Adapter) RecordUserMessage(content, conversationID string) {
	a.RecordEpisode(content, "user", "user_message", map[string]interface{}{
		"conversation_id": conversationID,
	})
}

// RecordCouncilResponse records one council member's stage response.
func (a *Adapter) RecordCouncilResponse(content, model string, stage int, conversationID string) {
	a.RecordEpisode(content, "council:"+model, fmt.Sprintf("stage%d_response", stage), map[string]interface{}{
		"conversation_id": conversationID,
		"model":           model,
		"stage":           stage,
	})
}

// RecordChairmanSynthesis records the final synthesis.
func (a *Adapter) RecordChairmanSynthesis(content, model, conversationID string) {
	a.RecordEpisode(content, "chairman:"+model, "chairman_synthesis", map[string]interface{}{
		"conversation_id": conversationID,
		"model":           model,
	})
}

// RecordDirectResponse records a direct (non-deliberation) exchange.
func (a *Adapter) RecordDirectResponse(query, response, model, conversationID string) {
	combined := fmt.Sprintf("Q: %s\n\nA: %s", query, response)
	a.RecordEpisode(combined, "direct:"+model, "direct_response", map[string]interface{}{
		"conversation_id": conversationID,
		"model":           model,
	})
}

// identityExpansions broaden identity and preference lookups, which tend to
// be phrased very differently at recall time than at record time.
var identityExpansions = map[string][]string{
	"my name":   {"user name identity"},
	"your name": {"AI assistant name"},
	"who am i":  {"user name identity autobiographical"},
	"i prefer":  {"user preferences"},
	"favorite":  {"user preferences favorite"},
}

func expandQuery(query string) []string {
	queries := []string{query}
	lower := strings.ToLower(query)
	for marker, extras := range identityExpansions {
		if strings.Contains(lower, marker) {
			queries = append(queries, extras...)
		}
	}
	return queries
}

// SearchMemories recalls facts and entity nodes across every memory group,
// deduplicated by uuid.
func (a *Adapter) SearchMemories(ctx context.Context, query string, limit int) ([]interfaces.MemoryEntry, error) {
	if !a.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var entries []interfaces.MemoryEntry
	seen := map[string]bool{}
	now := a.now().UTC()

	for _, q := range expandQuery(query) {
		for _, groupID := range a.allGroupIDs() {
			for _, spec := range []struct {
				tool string
				kind string
			}{
				{GraphServerName + ".search_memory_facts", "fact"},
				{GraphServerName + ".search_nodes", "node"},
			} {
				result := a.registry.CallTool(ctx, spec.tool, map[string]interface{}{
					"query":    q,
					"group_id": groupID,
					"limit":    limit / 2,
				})
				if !result.Success {
					continue
				}
				for _, entry := range parseSearchOutput(result.Output, spec.kind, groupID, now) {
					if entry.UUID != "" && seen[entry.UUID] {
						continue
					}
					seen[entry.UUID] = true
					entries = append(entries, entry)
				}
			}
		}
	}
	return entries, nil
}

// parseSearchOutput maps the graph server's fact or node payload to entries.
func parseSearchOutput(output interface{}, kind, groupID string, now time.Time) []interfaces.MemoryEntry {
	items, ok := output.([]interface{})
	if !ok {
		// Some servers wrap the list in an object keyed by kind.
		if obj, isObj := output.(map[string]interface{}); isObj {
			for _, key := range []string{"facts", "nodes", "results"} {
				if list, found := obj[key].([]interface{}); found {
					items = list
					break
				}
			}
		}
	}
	if items == nil {
		return nil
	}

	var out []interfaces.MemoryEntry
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		entry := interfaces.MemoryEntry{
			Kind:  kind,
			Group: groupID,
		}
		entry.UUID, _ = item["uuid"].(string)
		if kind == "fact" {
			entry.Content, _ = item["fact"].(string)
		} else {
			if summary, ok := item["summary"].(string); ok && summary != "" {
				entry.Content = summary
			} else {
				entry.Content, _ = item["name"].(string)
			}
			entry.Name, _ = item["name"].(string)
		}
		if entry.Content == "" {
			continue
		}
		if createdAt, ok := item["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, strings.Replace(createdAt, "Z", "+00:00", 1)); err == nil {
				entry.AgeDays = now.Sub(t).Hours() / 24
			} else if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
				entry.AgeDays = now.Sub(t).Hours() / 24
			}
		}
		out = append(out, entry)
	}
	return out
}
