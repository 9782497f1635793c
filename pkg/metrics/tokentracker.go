package metrics

import (
	"sync"
	"time"
)

// TokenTracker measures per-model token throughput during one streamed
// request. Thinking time runs from the first chunk until the first
// non-thinking token.
type TokenTracker struct {
	mu     sync.Mutex
	models map[string]*tokenState
	now    func() time.Time
}

type tokenState struct {
	start       time.Time
	thinkingEnd time.Time
	tokens      int
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{
		models: make(map[string]*tokenState),
		now:    time.Now,
	}
}

func (t *TokenTracker) state(key string) *tokenState {
	s, ok := t.models[key]
	if !ok {
		s = &tokenState{start: t.now()}
		t.models[key] = s
	}
	return s
}

// RecordThinking notes a thinking fragment for the model key.
func (t *TokenTracker) RecordThinking(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(key)
}

// RecordToken counts one answer token; the first one ends the thinking phase.
func (t *TokenTracker) RecordToken(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(key)
	if s.thinkingEnd.IsZero() {
		s.thinkingEnd = t.now()
	}
	s.tokens++
}

// Stats is a throughput snapshot for one model key.
type Stats struct {
	Tokens          int     `json:"tokens"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	ThinkingSeconds float64 `json:"thinking_seconds"`
	TokensPerSec    float64 `json:"tokens_per_sec"`
}

// Snapshot returns the current stats for a model key. Elapsed and thinking
// times are non-negative and thinking never exceeds elapsed.
func (t *TokenTracker) Snapshot(key string) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.models[key]
	if !ok {
		return Stats{}
	}

	now := t.now()
	elapsed := now.Sub(s.start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	thinking := elapsed
	if !s.thinkingEnd.IsZero() {
		thinking = s.thinkingEnd.Sub(s.start).Seconds()
	}
	if thinking < 0 {
		thinking = 0
	}
	if thinking > elapsed {
		thinking = elapsed
	}

	stats := Stats{
		Tokens:          s.tokens,
		ElapsedSeconds:  elapsed,
		ThinkingSeconds: thinking,
	}
	// Throughput is measured over total elapsed time, thinking included.
	if elapsed > 0 && s.tokens > 0 {
		stats.TokensPerSec = float64(s.tokens) / elapsed
	}
	return stats
}

// Fields renders the stats as event payload fields.
func (s Stats) Fields() map[string]interface{} {
	return map[string]interface{}{
		"tokens":           s.Tokens,
		"elapsed_seconds":  s.ElapsedSeconds,
		"thinking_seconds": s.ThinkingSeconds,
		"tokens_per_sec":   s.TokensPerSec,
	}
}
