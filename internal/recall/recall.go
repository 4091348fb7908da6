// Package recall finds prior memory records related to an operation and
// derives recommendations from them. Recall is best-effort: store
// failures degrade the result instead of surfacing as errors.
package recall

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
)

// OperationContext describes the operation that wants recall.
type OperationContext struct {
	Operation   string            `json:"operation"`
	Description string            `json:"description,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	Source      string            `json:"source_component,omitempty"`
	Categories  []memory.Category `json:"categories,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	MinScore    float64           `json:"min_score,omitempty"`
}

// QueryText is the text sent to the store.
func (op OperationContext) QueryText() string {
	return strings.TrimSpace(op.Operation + " " + op.Description)
}

// EnrichedContext is an operation context plus what recall found for it.
type EnrichedContext struct {
	Context         OperationContext `json:"context"`
	Matches         []memory.Match   `json:"matches"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	Degraded        bool             `json:"degraded"`
	Reason          string           `json:"reason,omitempty"`
}

// Searcher is the read side of memory.Store.
type Searcher interface {
	Search(ctx context.Context, q memory.Query) ([]memory.Match, error)
}

// stateReporter is implemented by resilience.Guard.
type stateReporter interface {
	State() resilience.State
}

// Config bounds recall queries.
type Config struct {
	Limit    int     `mapstructure:"limit"`
	MinScore float64 `mapstructure:"min_score"`

	// CandidateFactor multiplies Limit for the per-category store query so
	// that re-ranking has candidates to promote.
	CandidateFactor int `mapstructure:"candidate_factor"`

	// Parallelism caps concurrent category queries.
	Parallelism int `mapstructure:"parallelism"`

	Weights Weights `mapstructure:"weights"`
}

// DefaultConfig returns five matches at a 0.65 threshold.
var DefaultConfig = Config{
	Limit:           5,
	MinScore:        0.65,
	CandidateFactor: 3,
	Parallelism:     4,
	Weights:         DefaultWeights,
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultConfig.Limit
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultConfig.MinScore
	}
	if c.CandidateFactor <= 0 {
		c.CandidateFactor = DefaultConfig.CandidateFactor
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultConfig.Parallelism
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultConfig.Weights
	}
	return c
}

// Engine runs recall against a Searcher, normally a resilience.Guard.
type Engine struct {
	store   Searcher
	ranker  Ranker
	cfg     Config
	observe *observe.Observer
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRanker replaces the default WeightedRanker.
func WithRanker(r Ranker) Option {
	return func(e *Engine) { e.ranker = r }
}

// New creates an Engine.
func New(store Searcher, cfg Config, o *observe.Observer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if o == nil {
		o = observe.Discard()
	}
	e := &Engine{
		store:   store,
		ranker:  WeightedRanker{Weights: cfg.Weights},
		cfg:     cfg,
		observe: o,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enhance returns op enriched with ranked matches and recommendations. It
// never returns an error: when the store is unavailable the result has no
// matches and Degraded set.
func (e *Engine) Enhance(ctx context.Context, op OperationContext) EnrichedContext {
	ctx, span := e.observe.StartSpan(ctx, "recall.enhance", attribute.String("operation", op.Operation))
	defer span.End()

	out := EnrichedContext{Context: op, Matches: []memory.Match{}}

	if sr, ok := e.store.(stateReporter); ok && sr.State() == resilience.StateOpen {
		out.Degraded = true
		out.Reason = memory.ErrCircuitOpen.Error()
		return out
	}

	matches, err := e.search(ctx, op)
	if err != nil {
		out.Degraded = true
		out.Reason = err.Error()
		observe.Fail(span, err)
		e.observe.Log().Warn().Err(err).Str("operation", op.Operation).Msg("recall degraded")
		return out
	}

	out.Matches = matches
	out.Recommendations = Derive(matches)
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return out
}

// Recommend returns only the recommendations for op.
func (e *Engine) Recommend(ctx context.Context, op OperationContext) []Recommendation {
	return e.Enhance(ctx, op).Recommendations
}

func (e *Engine) search(ctx context.Context, op OperationContext) ([]memory.Match, error) {
	text := op.QueryText()
	if text == "" {
		return []memory.Match{}, nil
	}

	limit := op.Limit
	if limit <= 0 {
		limit = e.cfg.Limit
	}
	minScore := op.MinScore
	if minScore <= 0 {
		minScore = e.cfg.MinScore
	}
	categories := op.Categories
	if len(categories) == 0 {
		categories = memory.Categories()
	}

	results := make([][]memory.Match, len(categories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, c := range categories {
		g.Go(func() error {
			m, err := e.store.Search(gctx, memory.Query{
				Text:     text,
				Category: c,
				Limit:    limit * e.cfg.CandidateFactor,
				MinScore: minScore,
			})
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return e.rank(op, text, results, limit, minScore), nil
}

func (e *Engine) rank(op OperationContext, text string, results [][]memory.Match, limit int, minScore float64) []memory.Match {
	query := uniqueTokens(text)
	best := make(map[string]memory.Match)
	for _, batch := range results {
		for _, m := range batch {
			// The threshold applies to similarity; text and pattern
			// signals only reorder what passes it.
			if m.Record.HasTag(memory.ProbeTag) || m.Score < minScore {
				continue
			}
			sig := Signals{
				Semantic: clamp(m.Score),
				Text:     textSignal(query, m.Record.Content),
				Pattern:  patternSignal(op, m.Record),
			}
			score, kind := e.ranker.Rank(sig)
			ranked := memory.Match{Record: m.Record, Score: score, Kind: kind}
			if prev, ok := best[m.Record.ID]; !ok || ranked.Score > prev.Score {
				best[m.Record.ID] = ranked
			}
		}
	}

	out := make([]memory.Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sortMatches(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
