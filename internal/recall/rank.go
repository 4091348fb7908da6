package recall

import (
	"sync"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// Signals are the per-strategy scores of one candidate, each in [0,1].
type Signals struct {
	Semantic float64
	Text     float64
	Pattern  float64
}

// Ranker turns a candidate's signals into a final score and the kind of
// match that dominated it.
type Ranker interface {
	Rank(Signals) (float64, memory.MatchKind)
}

// Weights scale how much the text and pattern strategies can lift a
// candidate above its semantic score.
type Weights struct {
	Text    float64 `mapstructure:"text"`
	Pattern float64 `mapstructure:"pattern"`
}

// DefaultWeights is the WeightedRanker default.
var DefaultWeights = Weights{Text: 0.3, Pattern: 0.2}

// WeightedRanker starts from the semantic score and closes part of the
// remaining gap to 1 with the weighted text and pattern signals. A
// candidate without text or pattern signal keeps its semantic score.
type WeightedRanker struct {
	Weights Weights
}

func (r WeightedRanker) Rank(s Signals) (float64, memory.MatchKind) {
	return combine(r.Weights, s)
}

func combine(w Weights, s Signals) (float64, memory.MatchKind) {
	lift := w.Text*s.Text + w.Pattern*s.Pattern
	if lift > 1 {
		lift = 1
	}
	score := s.Semantic + (1-s.Semantic)*lift
	return clamp(score), dominant(s)
}

func dominant(s Signals) memory.MatchKind {
	kind, best := memory.MatchSemantic, s.Semantic
	if s.Text > best {
		kind, best = memory.MatchText, s.Text
	}
	if s.Pattern > best {
		kind = memory.MatchPattern
	}
	return kind
}

// FeedbackRanker is a WeightedRanker whose weights move toward the
// strategies users found useful.
type FeedbackRanker struct {
	mu      sync.RWMutex
	weights Weights
	rate    float64
}

// NewFeedbackRanker starts from w. rate in (0,1] controls how far each
// piece of feedback moves a weight.
func NewFeedbackRanker(w Weights, rate float64) *FeedbackRanker {
	if rate <= 0 || rate > 1 {
		rate = 0.1
	}
	return &FeedbackRanker{weights: w, rate: rate}
}

func (r *FeedbackRanker) Rank(s Signals) (float64, memory.MatchKind) {
	r.mu.RLock()
	w := r.weights
	r.mu.RUnlock()
	return combine(w, s)
}

// Feedback records whether a match of the given kind helped. Semantic
// feedback is ignored; the semantic score is the base of every rank.
func (r *FeedbackRanker) Feedback(kind memory.MatchKind, useful bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var w *float64
	switch kind {
	case memory.MatchText:
		w = &r.weights.Text
	case memory.MatchPattern:
		w = &r.weights.Pattern
	default:
		return
	}
	if useful {
		*w += r.rate * (1 - *w)
	} else {
		*w -= r.rate * *w
	}
}

// Weights returns the current weights.
func (r *FeedbackRanker) Weights() Weights {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}

// textSignal is the fraction of query tokens present in content.
func textSignal(query []string, content string) float64 {
	if len(query) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range embed.Tokenize(content) {
		have[t] = struct{}{}
	}
	hit := 0
	for _, t := range query {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// patternSignal is the fraction of structural features of the operation
// (event type, source, tags) that the record shares.
func patternSignal(op OperationContext, rec memory.Record) float64 {
	total, hit := 0, 0
	if op.EventType != "" {
		total++
		if v, _ := rec.Metadata["event_type"].(string); v == op.EventType {
			hit++
		}
	}
	if op.Source != "" {
		total++
		if v, _ := rec.Metadata["source_component"].(string); v == op.Source {
			hit++
		}
	}
	for _, tag := range op.Tags {
		total++
		if rec.HasTag(tag) {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// uniqueTokens tokenizes text and drops duplicates, keeping order.
func uniqueTokens(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range embed.Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
