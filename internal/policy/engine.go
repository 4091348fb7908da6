package policy

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// Evaluate applies every rule in set to event. It performs no I/O and keeps
// no state. An event matching no rule is not remembered.
func Evaluate(event memory.Event, set *Set) (Decision, error) {
	var d Decision
	if set == nil {
		return d, nil
	}

	categories := make(map[memory.Category]bool)
	tags := make(map[string]bool)

	for _, rule := range set.Rules {
		ok, err := rule.matches(event)
		if err != nil {
			return Decision{}, &EvaluationError{Rule: rule.Name, Err: err}
		}
		if !ok {
			continue
		}
		d.MatchedRules = append(d.MatchedRules, rule.Name)
		if !rule.triggers() {
			continue
		}
		d.ShouldTrigger = true
		for _, c := range rule.Categories {
			if !c.Valid() {
				return Decision{}, &EvaluationError{Rule: rule.Name, Err: fmt.Errorf("unknown category %q", c)}
			}
			categories[c] = true
		}
		for _, t := range rule.Tags {
			tags[t] = true
		}
		p := rule.Priority
		if p == "" {
			p = PriorityLow
		}
		if p.Rank() > d.Priority.Rank() {
			d.Priority = p
		}
	}

	for c := range categories {
		d.Categories = append(d.Categories, c)
	}
	memory.SortCategories(d.Categories)
	for t := range tags {
		d.Tags = append(d.Tags, t)
	}
	sort.Strings(d.Tags)

	// A triggering rule without categories has nothing to write.
	if len(d.Categories) == 0 {
		d.ShouldTrigger = false
		d.Priority = ""
	}
	return d, nil
}

func (r Rule) matches(event memory.Event) (bool, error) {
	if !r.matchesType(event.Type) {
		return false, nil
	}

	if len(r.Sources) > 0 {
		found := false
		for _, pattern := range r.Sources {
			ok, err := doublestar.Match(pattern, event.Source)
			if err != nil {
				return false, fmt.Errorf("source pattern %q: %w", pattern, err)
			}
			if ok {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	keys := make([]string, 0, len(r.Match))
	for k := range r.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		got, ok := event.Field(k)
		if !ok || !valueMatches(r.Match[k], got) {
			return false, nil
		}
	}

	for _, th := range r.Thresholds {
		if th.Min != nil && th.Max != nil && *th.Min > *th.Max {
			return false, fmt.Errorf("threshold %q: min exceeds max", th.Field)
		}
		raw, ok := event.Field(th.Field)
		if !ok {
			return false, nil
		}
		v, ok := toFloat(raw)
		if !ok {
			return false, nil
		}
		if th.Min != nil && v < *th.Min {
			return false, nil
		}
		if th.Max != nil && v > *th.Max {
			return false, nil
		}
	}
	return true, nil
}

func (r Rule) matchesType(eventType string) bool {
	for _, t := range r.Events {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

func valueMatches(want, got any) bool {
	if list, ok := want.([]any); ok {
		for _, w := range list {
			if valueMatches(w, got) {
				return true
			}
		}
		return false
	}
	wf, wok := toFloat(want)
	gf, gok := toFloat(got)
	if wok && gok {
		return math.Abs(wf-gf) < 1e-9
	}
	return reflect.DeepEqual(want, got)
}

// toFloat converts numeric payload values. NaN and infinities are not
// numbers for matching purposes: they would pass every threshold.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case string:
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Engine evaluates events against the currently loaded rule set. Reads are
// lock-free; Reload swaps the whole set at once.
type Engine struct {
	current atomic.Pointer[Set]
}

// NewEngine creates an engine; a nil set falls back to DefaultSet.
func NewEngine(set *Set) *Engine {
	if set == nil {
		set = DefaultSet()
	}
	e := &Engine{}
	e.current.Store(set)
	return e
}

// Evaluate applies the current rule set. On a malformed rule the returned
// decision is a skip.
func (e *Engine) Evaluate(event memory.Event) (Decision, error) {
	return Evaluate(event, e.current.Load())
}

// Reload validates set and makes it current.
func (e *Engine) Reload(set *Set) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("failed to reload policy: %w", err)
	}
	e.current.Store(set)
	return nil
}

// Current returns the active rule set. Callers must not modify it.
func (e *Engine) Current() *Set {
	return e.current.Load()
}
