package recall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// RecommendationKind groups recommendations by the evidence behind them.
type RecommendationKind string

const (
	KindRisk        RecommendationKind = "risk"
	KindApproach    RecommendationKind = "suggested_approach"
	KindPerformance RecommendationKind = "performance"
	KindDecision    RecommendationKind = "prior_decision"
)

// Recommendation is advice backed by at least one supporting match.
type Recommendation struct {
	Kind       RecommendationKind `json:"kind"`
	Text       string             `json:"text"`
	Supporting []memory.Match     `json:"supporting_matches"`
	Confidence float64            `json:"confidence"`
}

// HighConfidence is the score a pattern match needs to count toward a
// suggested approach.
const HighConfidence = 0.8

// Derive builds recommendations from ranked matches:
//   - two or more error matches give a risk warning
//   - two or more pattern matches at HighConfidence give a suggested approach
//   - two or more performance matches give a performance note
//   - any decision match is surfaced as a prior decision
//
// No matches means no recommendations.
func Derive(matches []memory.Match) []Recommendation {
	byCategory := make(map[memory.Category][]memory.Match)
	for _, m := range matches {
		byCategory[m.Record.Category] = append(byCategory[m.Record.Category], m)
	}

	var recs []Recommendation

	if errs := byCategory[memory.CategoryError]; len(errs) >= 2 {
		recs = append(recs, recommendation(KindRisk, errs,
			fmt.Sprintf("Risk: %d similar operations failed before. Most relevant: %s", len(errs), summary(errs[0]))))
	}

	var strong []memory.Match
	for _, m := range byCategory[memory.CategoryPattern] {
		if m.Score >= HighConfidence {
			strong = append(strong, m)
		}
	}
	if len(strong) >= 2 {
		recs = append(recs, recommendation(KindApproach, strong,
			fmt.Sprintf("Suggested approach, seen %d times: %s", len(strong), summary(strong[0]))))
	}

	if perf := byCategory[memory.CategoryPerformance]; len(perf) >= 2 {
		recs = append(recs, recommendation(KindPerformance, perf,
			fmt.Sprintf("Performance: %d similar runs were slow. Most relevant: %s", len(perf), summary(perf[0]))))
	}

	if dec := byCategory[memory.CategoryDecision]; len(dec) >= 1 {
		recs = append(recs, recommendation(KindDecision, dec[:1],
			fmt.Sprintf("Prior decision applies: %s", summary(dec[0]))))
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Confidence > recs[j].Confidence })
	return recs
}

func recommendation(kind RecommendationKind, support []memory.Match, text string) Recommendation {
	var total float64
	for _, m := range support {
		total += m.Score
	}
	cp := make([]memory.Match, len(support))
	copy(cp, support)
	return Recommendation{
		Kind:       kind,
		Text:       text,
		Supporting: cp,
		Confidence: total / float64(len(support)),
	}
}

func summary(m memory.Match) string {
	s := strings.Join(strings.Fields(m.Record.Content), " ")
	return fmt.Sprintf("%q", memory.Truncate(s, 120))
}

func sortMatches(matches []memory.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Record.CreatedAt.Equal(matches[j].Record.CreatedAt) {
			return matches[i].Record.CreatedAt.After(matches[j].Record.CreatedAt)
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
}

// Format renders an enriched context as a prompt block for an agent.
// Degraded or empty contexts render as an empty string.
func Format(ec EnrichedContext) string {
	if len(ec.Matches) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant past experiences:\n")
	for _, m := range ec.Matches {
		sb.WriteString(fmt.Sprintf("- [%s %.2f] %s\n", m.Record.Category, m.Score, m.Record.Content))
	}
	if len(ec.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range ec.Recommendations {
			sb.WriteString(fmt.Sprintf("- %s (confidence %.2f, %d supporting)\n", r.Text, r.Confidence, len(r.Supporting)))
		}
	}
	return sb.String()
}
