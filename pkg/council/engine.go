// Package council implements the three-stage deliberation engine: parallel
// first opinions, anonymized peer ranking with quality-gated refinement
// rounds, and a streamed final synthesis.
package council

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/metrics"
)

// AllModelsFailedMessage is the canonical reply when no council member
// produced an answer.
const AllModelsFailedMessage = "All models failed to respond. Please try again."

// SynthesisFailedMessage is the canonical reply when the synthesis stream
// fails before producing anything.
const SynthesisFailedMessage = "Error: Unable to generate final synthesis."

// stage1MaxRetries bounds per-model retries on empty or broken streams.
const stage1MaxRetries = 2

// ModelAnswer is one model's current answer in the deliberation.
type ModelAnswer struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Reasoning string `json:"-"`
	Refined   bool   `json:"refined,omitempty"`
}

// Result is the complete outcome of one deliberation.
type Result struct {
	Stage1        []ModelAnswer
	Rounds        [][]Ranking
	LabelToModel  map[string]string
	Aggregate     []AggregateEntry
	Supplemental  []interfaces.ToolResult
	FinalModel    string
	FinalResponse string
	Failed        bool
}

// ToolAssessor decides between stages whether the deliberation is missing
// current information and may execute one supplemental web search.
type ToolAssessor interface {
	MidDeliberationCheck(ctx context.Context, query, stageSummary string, priorResults []interfaces.ToolResult, sink interfaces.EventSink) (*interfaces.ToolResult, bool)
}

// Engine runs deliberations.
type Engine struct {
	cfg      *config.Config
	client   interfaces.ModelClient
	tracker  *metrics.Tracker
	assessor ToolAssessor
	logger   logging.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithToolAssessor attaches the mid-deliberation tool assessment. Without it
// stages run back to back.
func WithToolAssessor(a ToolAssessor) Option {
	return func(e *Engine) { e.assessor = a }
}

// New creates a deliberation engine.
func New(cfg *config.Config, client interfaces.ModelClient, tracker *metrics.Tracker, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		client:  client,
		tracker: tracker,
		logger:  logging.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// noopSink discards events; used by the non-streaming entry point.
type noopSink struct{}

func (noopSink) Emit(string, map[string]interface{}) {}

// Run executes the full three-stage deliberation. toolBlock, when non-empty,
// is injected as a system message so members use live data instead of
// refusing; priorTools carries the tool results behind that block so the
// mid-deliberation assessment does not re-request data already gathered.
// Events stream through sink; token throughput is measured per model via
// tokens.
func (e *Engine) Run(ctx context.Context, query, toolBlock string, priorTools []interfaces.ToolResult, sink interfaces.EventSink, tokens *metrics.TokenTracker) *Result {
	if sink == nil {
		sink = noopSink{}
	}
	if tokens == nil {
		tokens = metrics.NewTokenTracker()
	}

	result := &Result{LabelToModel: map[string]string{}}

	sink.Emit("stage1_start", map[string]interface{}{
		"models": e.cfg.CouncilModelIDs(),
	})
	result.Stage1 = e.stage1(ctx, query, toolBlock, sink, tokens)
	sink.Emit("stage1_complete", map[string]interface{}{
		"responses": len(result.Stage1),
	})

	if len(result.Stage1) == 0 {
		result.Failed = true
		result.FinalResponse = AllModelsFailedMessage
		return result
	}

	evalAnswers := append([]ModelAnswer(nil), result.Stage1...)
	go e.evaluateResponses(query, evalAnswers)

	prior := append([]interfaces.ToolResult(nil), priorTools...)
	if res := e.assessTools(ctx, query, summarizeAnswers(result.Stage1), prior, sink); res != nil {
		prior = append(prior, *res)
		result.Supplemental = append(result.Supplemental, *res)
	}

	for i, a := range result.Stage1 {
		result.LabelToModel[labelFor(i)] = a.Model
	}

	sink.Emit("stage2_start", map[string]interface{}{
		"responses": len(result.Stage1),
	})
	answers := make([]ModelAnswer, len(result.Stage1))
	copy(answers, result.Stage1)
	result.Rounds = e.stage2(ctx, query, answers, sink, tokens)
	sink.Emit("stage2_complete", map[string]interface{}{
		"rounds": len(result.Rounds),
	})

	finalRankings := []Ranking{}
	if len(result.Rounds) > 0 {
		finalRankings = result.Rounds[len(result.Rounds)-1]
	}

	if res := e.assessTools(ctx, query, summarizeRankings(finalRankings), prior, sink); res != nil {
		result.Supplemental = append(result.Supplemental, *res)
	}

	stage1Order := make([]string, 0, len(result.Stage1))
	for _, a := range result.Stage1 {
		stage1Order = append(stage1Order, a.Model)
	}
	result.Aggregate = CalculateAggregateRankings(finalRankings, result.LabelToModel, stage1Order)

	sink.Emit("stage3_start", map[string]interface{}{
		"model": e.cfg.FormatterModel(),
	})
	result.FinalModel, result.FinalResponse = e.stage3(ctx, query, answers, finalRankings, supplementalBlock(result.Supplemental), sink, tokens)

	return result
}

// RunBlocking runs a deliberation without streaming consumers.
func (e *Engine) RunBlocking(ctx context.Context, query, toolBlock string) *Result {
	return e.Run(ctx, query, toolBlock, nil, noopSink{}, metrics.NewTokenTracker())
}

// assessTools runs one mid-deliberation tool assessment. The supplemental
// result, if any, feeds the synthesis prompt.
func (e *Engine) assessTools(ctx context.Context, query, summary string, prior []interfaces.ToolResult, sink interfaces.EventSink) *interfaces.ToolResult {
	if e.assessor == nil {
		return nil
	}
	res, ok := e.assessor.MidDeliberationCheck(ctx, query, summary, prior, sink)
	if !ok {
		return nil
	}
	e.logger.Info(ctx, "Mid-deliberation tool data gathered", map[string]interface{}{
		"tool":    res.Tool,
		"success": res.Success,
	})
	return res
}

// streamOutcome is the terminal state of one model stream.
type streamOutcome struct {
	content   string
	reasoning string
	err       error
}

// streamOne streams a single model and relays its chunks as prefix_token /
// prefix_thinking events with live throughput stats attached.
func (e *Engine) streamOne(ctx context.Context, model string, messages []interfaces.Message, maxTokens int, prefix string, sink interfaces.EventSink, tokens *metrics.TokenTracker) streamOutcome {
	key := prefix + ":" + model

	opts := &interfaces.QueryOptions{MaxTokens: maxTokens}
	stream, err := e.client.QueryStream(ctx, model, messages, opts)
	if err != nil {
		return streamOutcome{err: err}
	}

	var content, reasoning string
	for chunk := range stream {
		switch chunk.Type {
		case interfaces.ChunkThinking:
			reasoning = chunk.Reasoning
			tokens.RecordThinking(key)
			data := map[string]interface{}{
				"model":    model,
				"delta":    chunk.Delta,
				"thinking": reasoning,
			}
			mergeStats(data, tokens.Snapshot(key))
			sink.Emit(prefix+"_thinking", data)

		case interfaces.ChunkToken:
			content = chunk.Content
			tokens.RecordToken(key)
			data := map[string]interface{}{
				"model":   model,
				"delta":   chunk.Delta,
				"content": content,
			}
			mergeStats(data, tokens.Snapshot(key))
			sink.Emit(prefix+"_token", data)

		case interfaces.ChunkComplete:
			return streamOutcome{content: chunk.Content, reasoning: chunk.Reasoning}

		case interfaces.ChunkError:
			return streamOutcome{content: content, reasoning: reasoning, err: chunk.Err}
		}
	}
	// Stream closed without a terminal chunk.
	return streamOutcome{content: content, reasoning: reasoning}
}

func mergeStats(data map[string]interface{}, stats metrics.Stats) {
	for k, v := range stats.Fields() {
		data[k] = v
	}
}

// stage1 gathers first opinions from every council member concurrently.
// Models that stay empty or broken after retries are dropped silently.
func (e *Engine) stage1(ctx context.Context, query, toolBlock string, sink interfaces.EventSink, tokens *metrics.TokenTracker) []ModelAnswer {
	models := e.cfg.CouncilModelIDs()
	prompt := stage1Prompt(query, e.cfg.ConciseMode())

	messages := []interfaces.Message{}
	if toolBlock != "" {
		messages = append(messages, interfaces.Message{Role: "system", Content: toolSystemPrompt(toolBlock)})
	}
	messages = append(messages, interfaces.Message{Role: "user", Content: prompt})

	results := make([]*ModelAnswer, len(models))
	var wg sync.WaitGroup

	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			start := time.Now()
			retried := false

			for attempt := 0; ; attempt++ {
				outcome := e.streamOne(ctx, model, messages, e.cfg.Response.MaxTokens.Stage1, "stage1", sink, tokens)

				if outcome.err == nil && strings.TrimSpace(outcome.content) != "" {
					sink.Emit("stage1_model_complete", withStats(map[string]interface{}{
						"model":             model,
						"content":           outcome.content,
						"reasoning_content": outcome.reasoning,
					}, tokens, "stage1:"+model))
					results[i] = &ModelAnswer{Model: model, Response: outcome.content, Reasoning: outcome.reasoning}
					e.tracker.RecordQueryResult(model, true, tokens.Snapshot("stage1:"+model).Tokens, time.Since(start), retried)
					return
				}

				reason := "empty response"
				if outcome.err != nil {
					reason = outcome.err.Error()
				}

				if attempt < stage1MaxRetries {
					retried = true
					sink.Emit("stage1_model_retry", map[string]interface{}{
						"model":  model,
						"retry":  attempt + 1,
						"reason": reason,
					})
					continue
				}

				sink.Emit("stage1_model_error", map[string]interface{}{
					"model": model,
					"error": fmt.Sprintf("%s (after %d retries)", reason, stage1MaxRetries),
				})
				e.tracker.RecordQueryResult(model, false, 0, time.Since(start), retried)
				return
			}
		}(i, model)
	}
	wg.Wait()

	var answers []ModelAnswer
	for _, r := range results {
		if r != nil {
			answers = append(answers, *r)
		}
	}
	return answers
}

// stage2 runs ranking rounds until every response clears the quality floor
// or the round budget runs out. Responses rated under the floor are refined
// by their own model between rounds.
func (e *Engine) stage2(ctx context.Context, query string, answers []ModelAnswer, sink interfaces.EventSink, tokens *metrics.TokenTracker) [][]Ranking {
	labels := make([]string, len(answers))
	for i := range answers {
		labels[i] = labelFor(i)
	}

	maxRounds := e.cfg.Deliberation.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}
	if !e.cfg.Deliberation.EnableCrossReview {
		maxRounds = 1
	}
	floor := e.cfg.Deliberation.QualityThreshold * 5

	var allRounds [][]Ranking
	var previous []Ranking

	for round := 1; round <= maxRounds; round++ {
		sink.Emit("round_start", map[string]interface{}{"round": round})
		rankings := e.rankRound(ctx, query, answers, round, previous, sink, tokens)
		sink.Emit("round_complete", map[string]interface{}{"round": round})
		if len(rankings) == 0 {
			break
		}
		allRounds = append(allRounds, rankings)

		low := labelsBelowThreshold(rankings, labels, floor)
		if len(low) == 0 || round == maxRounds {
			break
		}

		sink.Emit("stage2_refinement_round", map[string]interface{}{
			"round":      round,
			"low_rated":  low,
			"threshold":  floor,
			"max_rounds": maxRounds,
		})

		for _, label := range low {
			idx := labelIndex(label)
			if idx < 0 || idx >= len(answers) {
				continue
			}
			e.refineAnswer(ctx, query, &answers[idx], label, rankings, sink, tokens)
		}
		previous = rankings
	}

	return allRounds
}

func labelIndex(label string) int {
	if len(label) == 0 {
		return -1
	}
	return int(label[len(label)-1] - 'A')
}

// rankRound collects one round of rankings from all council models in
// parallel. Failed rankers are dropped for the round.
func (e *Engine) rankRound(ctx context.Context, query string, answers []ModelAnswer, round int, previous []Ranking, sink interfaces.EventSink, tokens *metrics.TokenTracker) []Ranking {
	models := e.cfg.CouncilModelIDs()
	prompt := rankingPrompt(query, answers, round, previous, e.cfg.ConciseMode())
	messages := []interfaces.Message{{Role: "user", Content: prompt}}

	results := make([]*Ranking, len(models))
	var wg sync.WaitGroup

	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			outcome := e.streamOne(ctx, model, messages, e.cfg.Response.MaxTokens.Stage2, "stage2", sink, tokens)
			if outcome.err != nil || strings.TrimSpace(outcome.content) == "" {
				errMsg := "empty ranking"
				if outcome.err != nil {
					errMsg = outcome.err.Error()
				}
				sink.Emit("stage2_model_error", map[string]interface{}{
					"model": model,
					"error": errMsg,
				})
				return
			}

			parsed := ParseRankingLabels(outcome.content)
			sink.Emit("stage2_model_complete", map[string]interface{}{
				"model":          model,
				"ranking":        outcome.content,
				"parsed_ranking": parsed,
				"round":          round,
			})
			results[i] = &Ranking{Model: model, Text: outcome.content, Parsed: parsed, Round: round}
		}(i, model)
	}
	wg.Wait()

	var rankings []Ranking
	for _, r := range results {
		if r != nil {
			rankings = append(rankings, *r)
		}
	}
	return rankings
}

// refineAnswer streams a rework of one low-rated answer from its own model.
// On failure the original answer stands.
func (e *Engine) refineAnswer(ctx context.Context, query string, answer *ModelAnswer, label string, rankings []Ranking, sink interfaces.EventSink, tokens *metrics.TokenTracker) {
	feedback := ExtractFeedback(rankings, label)

	sink.Emit("refinement_start", map[string]interface{}{
		"model": answer.Model,
		"label": label,
	})

	messages := []interfaces.Message{{
		Role:    "user",
		Content: refinementPrompt(query, answer.Response, feedback),
	}}
	outcome := e.streamOne(ctx, answer.Model, messages, e.cfg.Response.MaxTokens.Stage2, "refinement", sink, tokens)

	if outcome.err != nil || strings.TrimSpace(outcome.content) == "" {
		sink.Emit("refinement_failed", map[string]interface{}{
			"model": answer.Model,
			"label": label,
		})
		return
	}

	answer.Response = outcome.content
	answer.Refined = true
	sink.Emit("refinement_complete", map[string]interface{}{
		"model":   answer.Model,
		"label":   label,
		"content": outcome.content,
	})
}

// stage3 streams the Presenter's synthesis and post-processes it. toolBlock
// carries supplemental tool data gathered between stages.
func (e *Engine) stage3(ctx context.Context, query string, answers []ModelAnswer, rankings []Ranking, toolBlock string, sink interfaces.EventSink, tokens *metrics.TokenTracker) (model, response string) {
	model = e.cfg.FormatterModel()
	prompt := synthesisPrompt(query, answers, rankings, toolBlock, e.cfg.ConciseMode())
	messages := []interfaces.Message{{Role: "user", Content: prompt}}

	outcome := e.streamOne(ctx, model, messages, e.cfg.Response.MaxTokens.Stage3, "stage3", sink, tokens)

	final := strings.TrimSpace(outcome.content)
	if outcome.err != nil {
		sink.Emit("stage3_error", map[string]interface{}{
			"model": model,
			"error": outcome.err.Error(),
		})
	}
	if final == "" {
		final = SynthesisFailedMessage
	} else {
		final = StripFakeImages(final)
	}

	sink.Emit("stage3_complete", withStats(map[string]interface{}{
		"model":    model,
		"response": final,
	}, tokens, "stage3:"+model))
	return model, final
}

func withStats(data map[string]interface{}, tokens *metrics.TokenTracker, key string) map[string]interface{} {
	mergeStats(data, tokens.Snapshot(key))
	return data
}

// summarizeAnswers renders the stage-1 output for the tool assessment.
func summarizeAnswers(answers []ModelAnswer) string {
	var b strings.Builder
	for _, a := range answers {
		text := a.Response
		if len(text) > 400 {
			text = text[:400] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", a.Model, text)
	}
	return b.String()
}

// summarizeRankings renders the final ranking round for the tool assessment.
func summarizeRankings(rankings []Ranking) string {
	var b strings.Builder
	for _, r := range rankings {
		text := r.Text
		if len(text) > 400 {
			text = text[:400] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", r.Model, text)
	}
	return b.String()
}
