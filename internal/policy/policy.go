// Package policy decides which events become memories.
//
// Evaluation is pure: the same event and rule set always produce the same
// decision. Rule sets are immutable values swapped atomically on reload.
package policy

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// Priority orders how urgently a memory should be recorded.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank returns a comparable weight; unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

// Threshold bounds a numeric payload field. Nil bounds are open.
type Threshold struct {
	Field string   `json:"field" yaml:"field"`
	Min   *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Rule maps a class of events to memory categories.
type Rule struct {
	Name string `json:"name" yaml:"name"`

	// Events lists event types; "*" matches any.
	Events []string `json:"events" yaml:"events"`

	// Sources are doublestar globs over the source component. Empty matches any.
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`

	// Match requires payload fields to equal the given values. A list value
	// matches when any element is equal.
	Match map[string]any `json:"match,omitempty" yaml:"match,omitempty"`

	Thresholds []Threshold        `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	Categories []memory.Category `json:"categories" yaml:"categories"`
	Priority   Priority          `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Trigger defaults to true. A rule with trigger=false matches but never
	// causes a memory to be written by itself.
	Trigger *bool `json:"trigger,omitempty" yaml:"trigger,omitempty"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

func (r Rule) triggers() bool {
	return r.Trigger == nil || *r.Trigger
}

// Set is a versioned, immutable collection of rules.
type Set struct {
	Version string
	Rules   []Rule
	Limits  map[memory.Category]memory.Limits
}

// Validate checks a set for problems that would make evaluation fail.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("policy set is nil")
	}
	seen := make(map[string]bool, len(s.Rules))
	for i, r := range s.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	for c := range s.Limits {
		if !c.Valid() {
			return fmt.Errorf("limits: unknown category %q", c)
		}
	}
	return nil
}

func (r Rule) validate() error {
	if len(r.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, pattern := range r.Sources {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid source pattern %q", pattern)
		}
	}
	for _, c := range r.Categories {
		if !c.Valid() {
			return fmt.Errorf("unknown category %q", c)
		}
	}
	if r.Priority != "" && r.Priority.Rank() == 0 {
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	for _, th := range r.Thresholds {
		if th.Field == "" {
			return fmt.Errorf("threshold field is required")
		}
		if th.Min != nil && th.Max != nil && *th.Min > *th.Max {
			return fmt.Errorf("threshold %q: min %v exceeds max %v", th.Field, *th.Min, *th.Max)
		}
	}
	return nil
}

// LimitsFor returns the retention and capacity for a category.
func (s *Set) LimitsFor(c memory.Category) memory.Limits {
	if s != nil {
		if l, ok := s.Limits[c]; ok {
			return l
		}
	}
	return memory.DefaultLimits[c]
}

// Decision is the outcome of evaluating one event.
type Decision struct {
	ShouldTrigger bool              `json:"should_trigger"`
	Categories    []memory.Category `json:"categories"`
	Priority      Priority          `json:"priority,omitempty"`
	MatchedRules  []string          `json:"matched_rules,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// EvaluationError reports a malformed rule hit while evaluating an event.
type EvaluationError struct {
	Rule string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy rule %q: %v", e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// DefaultSet is used when no policy file is configured.
func DefaultSet() *Set {
	return &Set{
		Version: "builtin-1",
		Rules: []Rule{
			{
				Name:       "failed-workflow",
				Events:     []string{memory.EventWorkflowComplete},
				Match:      map[string]any{"success": false},
				Categories: []memory.Category{memory.CategoryError},
				Priority:   PriorityHigh,
				Tags:       []string{"failure"},
			},
			{
				Name:       "high-quality-workflow",
				Events:     []string{memory.EventWorkflowComplete},
				Match:      map[string]any{"success": true},
				Thresholds: []Threshold{{Field: "quality_score", Min: floatPtr(0.8)}},
				Categories: []memory.Category{memory.CategoryPattern},
				Priority:   PriorityMedium,
				Tags:       []string{"success"},
			},
			{
				Name:       "slow-workflow",
				Events:     []string{memory.EventWorkflowComplete, memory.EventAgentAction},
				Thresholds: []Threshold{{Field: "duration_ms", Min: floatPtr(60000)}},
				Categories: []memory.Category{memory.CategoryPerformance},
				Priority:   PriorityLow,
			},
			{
				Name:       "issue-resolution",
				Events:     []string{memory.EventIssueResolved},
				Categories: []memory.Category{memory.CategoryError, memory.CategoryProject},
				Priority:   PriorityMedium,
			},
			{
				Name:       "team-decision",
				Events:     []string{memory.EventDecisionMade},
				Categories: []memory.Category{memory.CategoryDecision, memory.CategoryTeam},
				Priority:   PriorityMedium,
			},
			{
				Name:       "routine-agent-action",
				Events:     []string{memory.EventAgentAction},
				Categories: nil,
				Trigger:    boolPtr(false),
			},
		},
	}
}
