// Package memory defines the records, events and store contract shared by
// the trigger, recall and resilience layers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Category is a closed set of memory kinds. Each category carries its own
// retention and capacity limits.
type Category string

const (
	CategoryPattern     Category = "pattern"
	CategoryTeam        Category = "team"
	CategoryError       Category = "error"
	CategoryProject     Category = "project"
	CategoryPerformance Category = "performance"
	CategoryDecision    Category = "decision"
)

var allCategories = []Category{
	CategoryPattern,
	CategoryTeam,
	CategoryError,
	CategoryProject,
	CategoryPerformance,
	CategoryDecision,
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", s)}
	}
	return c, nil
}

// SortCategories orders a category slice in declaration order.
func SortCategories(cs []Category) {
	rank := make(map[Category]int, len(allCategories))
	for i, c := range allCategories {
		rank[c] = i
	}
	sort.Slice(cs, func(i, j int) bool { return rank[cs[i]] < rank[cs[j]] })
}

// Limits bounds how long and how many records a category keeps.
// Zero values mean unlimited.
type Limits struct {
	Retention time.Duration `json:"retention" yaml:"retention"`
	Capacity  int           `json:"capacity" yaml:"capacity"`
}

// DefaultLimits are applied by store backends when no override is given.
var DefaultLimits = map[Category]Limits{
	CategoryPattern:     {Retention: 180 * 24 * time.Hour, Capacity: 5000},
	CategoryTeam:        {Retention: 365 * 24 * time.Hour, Capacity: 2000},
	CategoryError:       {Retention: 90 * 24 * time.Hour, Capacity: 5000},
	CategoryProject:     {Retention: 365 * 24 * time.Hour, Capacity: 2000},
	CategoryPerformance: {Retention: 30 * 24 * time.Hour, Capacity: 1000},
	CategoryDecision:    {Retention: 365 * 24 * time.Hour, Capacity: 2000},
}

// Event is a lifecycle signal reported by the host runtime. It is treated as
// immutable once created; use NewEvent to get a private copy of the payload.
type Event struct {
	Type          string         `json:"event_type" yaml:"event_type"`
	Source        string         `json:"source_component" yaml:"source_component"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
	Payload       map[string]any `json:"payload" yaml:"payload"`
	CorrelationID string         `json:"correlation_id" yaml:"correlation_id"`
}

// Well-known event types emitted by the host.
const (
	EventWorkflowComplete = "workflow_complete"
	EventAgentAction      = "agent_action"
	EventIssueResolved    = "issue_resolved"
	EventDecisionMade     = "decision_made"
)

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, source, correlationID string, payload map[string]any) Event {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return Event{
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Payload:       cp,
		CorrelationID: correlationID,
	}
}

// Validate rejects events that cannot be processed.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if strings.TrimSpace(e.Source) == "" {
		return &ValidationError{Field: "source_component", Reason: "is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	return nil
}

// Field looks up a payload value. Dotted names walk nested maps.
func (e Event) Field(name string) (any, bool) {
	var cur any = e.Payload
	for _, part := range strings.Split(name, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Record is a durable memory entry. Records are never edited in place; a
// record that replaces another references it through Supersedes.
type Record struct {
	ID             string         `json:"id"`
	Category       Category       `json:"category"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	EmbeddingRef   string         `json:"embedding_ref,omitempty"`
	Supersedes     string         `json:"supersedes,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Validate rejects malformed records before any I/O.
func (r Record) Validate() error {
	if !r.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", r.Category)}
	}
	if strings.TrimSpace(r.Content) == "" {
		return &ValidationError{Field: "content", Reason: "is required"}
	}
	if r.CreatedAt.IsZero() {
		return &ValidationError{Field: "created_at", Reason: "is required"}
	}
	return nil
}

// HasTag reports whether the record carries tag.
func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchKind names the retrieval strategy that produced a match.
type MatchKind string

const (
	MatchText     MatchKind = "text"
	MatchSemantic MatchKind = "semantic"
	MatchPattern  MatchKind = "pattern"
)

// Match is a record paired with its similarity score in [0,1].
type Match struct {
	Record Record    `json:"record"`
	Score  float64   `json:"score"`
	Kind   MatchKind `json:"match_kind"`
}

// Query describes a similarity search against a store.
type Query struct {
	Text     string
	Category Category // empty searches all categories
	Limit    int
	MinScore float64
}

// Store is the narrow contract to the external memory backend.
type Store interface {
	// Store persists a record and returns its id. Storing a record whose id
	// already exists must not create a second entry.
	Store(ctx context.Context, rec Record) (string, error)

	// Retrieve returns the record with the given id or ErrNotFound.
	Retrieve(ctx context.Context, id string) (Record, error)

	// Search returns matches sorted by descending score, none below MinScore.
	Search(ctx context.Context, q Query) ([]Match, error)
}

// HealthChecker is implemented by backends that can report on their own
// health beyond the basic Store contract.
type HealthChecker interface {
	Ping(ctx context.Context) error
	CheckConfig(ctx context.Context) error
	CheckIntegrity(ctx context.Context) error
}

// ProbeTag marks synthetic records written by health checks. Recall ignores them.
const ProbeTag = "__probe"

// Truncate shortens s to at most n bytes, marking the cut with "...". The
// cut never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := max(n-3, 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
