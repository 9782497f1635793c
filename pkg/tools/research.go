package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/conclave-ai/conclave/pkg/interfaces"
)

// maxResearchSources caps how many pages one research pass reads.
const maxResearchSources = 3

// maxSourceChars caps the text kept per scraped page.
const maxSourceChars = 5000

var researchMarkers = []string{
	"top 5", "top 10", "top five", "top ten", "best ",
	"ranked", "ranking", "compare", "comparison", " vs ", " versus ",
}

// isResearchQuery detects ranked-list and comparison questions that a single
// search snippet cannot answer well.
func isResearchQuery(query string) bool {
	q := " " + strings.ToLower(query) + " "
	for _, marker := range researchMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return false
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)

// deepResearch searches the web, lets a model pick the most promising
// sources, reads them, and returns the combined findings. Returns nil when
// the registry lacks a search tool so the caller can fall through.
func (o *Orchestrator) deepResearch(ctx context.Context, query string, sink interfaces.EventSink) *Outcome {
	if o.researcher != nil {
		if answer, ok := o.researcher.Research(ctx, query, sink); ok {
			return &Outcome{Used: true, ResearchReport: answer}
		}
		// The loop could not finish; fall through to search-and-scrape.
	}

	searchTool, ok := o.findTool("websearch", "search")
	if !ok {
		return nil
	}

	if sink != nil {
		sink.Emit("deep_research_start", map[string]interface{}{"query": query})
	}

	searchResult := o.callWithEvents(ctx, searchTool.FullName, map[string]interface{}{"query": query}, sink)
	outcome := &Outcome{Used: true, Results: []interfaces.ToolResult{searchResult}}
	if !searchResult.Success {
		if sink != nil {
			sink.Emit("deep_research_complete", map[string]interface{}{"sources": 0})
		}
		return outcome
	}

	raw, _ := json.Marshal(searchResult.Output)
	candidates := dedupeURLs(urlPattern.FindAllString(string(raw), -1))
	if len(candidates) == 0 {
		if sink != nil {
			sink.Emit("deep_research_complete", map[string]interface{}{"sources": 0})
		}
		return outcome
	}

	urls := o.pickSources(ctx, query, candidates)

	var report strings.Builder
	read := 0
	for _, url := range urls {
		text, err := o.readPage(ctx, url, sink)
		if err != nil {
			o.logger.Warn(ctx, "Research source unreadable", map[string]interface{}{
				"url":   url,
				"error": err.Error(),
			})
			continue
		}
		fmt.Fprintf(&report, "--- Source: %s ---\n%s\n\n", url, text)
		read++
	}

	outcome.ResearchReport = strings.TrimSpace(report.String())
	if sink != nil {
		sink.Emit("deep_research_complete", map[string]interface{}{"sources": read})
	}
	return outcome
}

// pickSources asks a model for the most promising URLs; on failure the first
// few candidates are used as-is.
func (o *Orchestrator) pickSources(ctx context.Context, query string, candidates []string) []string {
	if len(candidates) <= maxResearchSources {
		return candidates
	}

	prompt := fmt.Sprintf(`Pick up to %d URLs most likely to answer the query. Prefer authoritative, content-rich pages.

Query: %s

Candidates:
%s

Respond with a JSON array of URLs only.`, maxResearchSources, query, strings.Join(candidates, "\n"))

	temp := 0.0
	resp, err := o.client.QueryWithRetry(ctx, o.cfg.ToolCallingModel(), []interfaces.Message{
		{Role: "user", Content: prompt},
	}, &interfaces.QueryOptions{Temperature: &temp, Timeout: 60 * time.Second, MaxRetries: 1})
	if err == nil {
		var picked []string
		if json.Unmarshal([]byte(extractJSONArray(resp.Content)), &picked) == nil && len(picked) > 0 {
			if len(picked) > maxResearchSources {
				picked = picked[:maxResearchSources]
			}
			return picked
		}
	}
	return candidates[:maxResearchSources]
}

// readPage fetches one source, preferring a registered scrape tool, and
// reduces it to plain text capped at maxSourceChars.
func (o *Orchestrator) readPage(ctx context.Context, url string, sink interfaces.EventSink) (string, error) {
	var content string
	if scrapeTool, ok := o.findTool("scrape", "fetch", "browse"); ok {
		result := o.callWithEvents(ctx, scrapeTool.FullName, map[string]interface{}{"url": url}, sink)
		if !result.Success {
			return "", fmt.Errorf("scrape failed: %s", result.Error)
		}
		switch v := result.Output.(type) {
		case string:
			content = v
		default:
			raw, _ := json.Marshal(v)
			content = string(raw)
		}
	} else {
		fetched, err := fetchURL(ctx, url)
		if err != nil {
			return "", err
		}
		content = fetched
	}

	text := content
	if strings.Contains(content, "<") {
		if extracted, err := extractText(content); err == nil && extracted != "" {
			text = extracted
		}
	}
	if len(text) > maxSourceChars {
		text = text[:maxSourceChars]
	}
	return strings.TrimSpace(text), nil
}

func fetchURL(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "conclave-research/0.1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	return documentText(doc), nil
}

// extractText strips markup from an HTML fragment.
func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	return documentText(doc), nil
}

func documentText(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, noscript").Remove()
	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return normalizeSpace(strings.TrimSpace(text))
}

func dedupeURLs(urls []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range urls {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
