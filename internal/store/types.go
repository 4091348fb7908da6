// Package store holds the memory backends. The SQLite backend lives here;
// the postgres and chromem subpackages share the helpers in this file.
package store

import (
	"sort"
	"time"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// DefaultSearchLimit applies when a query has no limit.
const DefaultSearchLimit = 10

// LimitsFunc returns the retention and capacity for a category.
type LimitsFunc func(memory.Category) memory.Limits

// Options are shared by all backends.
type Options struct {
	Limits LimitsFunc
	Now    func() time.Time
}

// Option customizes a backend.
type Option func(*Options)

// WithLimits sets the per-category retention and capacity source.
func WithLimits(fn LimitsFunc) Option {
	return func(o *Options) { o.Limits = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// ApplyOptions resolves opts over the defaults.
func ApplyOptions(opts ...Option) Options {
	o := Options{
		Limits: func(c memory.Category) memory.Limits { return memory.DefaultLimits[c] },
		Now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Clamp maps a cosine similarity into [0,1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SortMatches orders by descending score, newer records first on ties.
func SortMatches(matches []memory.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.CreatedAt.After(matches[j].Record.CreatedAt)
	})
}

// Finish sorts, applies MinScore and truncates to the query limit.
func Finish(matches []memory.Match, q memory.Query) []memory.Match {
	SortMatches(matches)
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= q.MinScore {
			out = append(out, m)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Expired reports whether a record created at createdAt is past retention.
func Expired(l memory.Limits, createdAt, now time.Time) bool {
	return l.Retention > 0 && now.Sub(createdAt) > l.Retention
}
