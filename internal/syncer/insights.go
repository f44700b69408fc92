package syncer

import "encoding/json"

// Insight kind names as they appear in change payloads and in the
// shared_insights section of a platform context.
const (
	KindCodingPatterns       = "coding_patterns"
	KindToolRecommendations  = "tool_recommendations"
	KindSuccessfulPatterns   = "successful_patterns"
	KindErrorPatternsToAvoid = "error_patterns_to_avoid"
)

// ToolRecommendations carries one platform's preferred tools with
// source attribution.
type ToolRecommendations struct {
	Source string `json:"source"`
	Tools  any    `json:"tools"`
}

// SuccessfulPatterns carries patterns from a platform whose metrics
// show a high success rate.
type SuccessfulPatterns struct {
	Source   string `json:"source"`
	Patterns any    `json:"patterns"`
}

// ErrorPattern is one low-satisfaction interaction distilled into a
// pattern other platforms should avoid.
type ErrorPattern struct {
	QueryType            any `json:"query_type"`
	CommonIssues         any `json:"common_issues"`
	SuggestedImprovement any `json:"suggested_improvement"`
}

// InsightSet is the closed taxonomy of cross-platform insights: one
// typed field per known kind, plus Extra for kinds this build does not
// recognize (forwarded untouched).
type InsightSet struct {
	CodingPatterns       any
	ToolRecommendations  *ToolRecommendations
	SuccessfulPatterns   *SuccessfulPatterns
	ErrorPatternsToAvoid []ErrorPattern
	Extra                map[string]json.RawMessage
}

// Empty reports whether the set carries no insights at all.
func (s *InsightSet) Empty() bool {
	return s == nil ||
		(s.CodingPatterns == nil && s.ToolRecommendations == nil &&
			s.SuccessfulPatterns == nil && len(s.ErrorPatternsToAvoid) == 0 &&
			len(s.Extra) == 0)
}

// Kinds lists the kind names present in the set.
func (s *InsightSet) Kinds() []string {
	if s == nil {
		return nil
	}
	var kinds []string
	if s.CodingPatterns != nil {
		kinds = append(kinds, KindCodingPatterns)
	}
	if s.ToolRecommendations != nil {
		kinds = append(kinds, KindToolRecommendations)
	}
	if s.SuccessfulPatterns != nil {
		kinds = append(kinds, KindSuccessfulPatterns)
	}
	if len(s.ErrorPatternsToAvoid) > 0 {
		kinds = append(kinds, KindErrorPatternsToAvoid)
	}
	for kind := range s.Extra {
		kinds = append(kinds, kind)
	}
	return kinds
}

// ToMap flattens the set into the wire/storage shape keyed by kind.
func (s *InsightSet) ToMap() map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any)
	if s.CodingPatterns != nil {
		out[KindCodingPatterns] = s.CodingPatterns
	}
	if s.ToolRecommendations != nil {
		out[KindToolRecommendations] = map[string]any{
			"source": s.ToolRecommendations.Source,
			"tools":  s.ToolRecommendations.Tools,
		}
	}
	if s.SuccessfulPatterns != nil {
		out[KindSuccessfulPatterns] = map[string]any{
			"source":   s.SuccessfulPatterns.Source,
			"patterns": s.SuccessfulPatterns.Patterns,
		}
	}
	if len(s.ErrorPatternsToAvoid) > 0 {
		patterns := make([]any, 0, len(s.ErrorPatternsToAvoid))
		for _, p := range s.ErrorPatternsToAvoid {
			patterns = append(patterns, map[string]any{
				"query_type":            p.QueryType,
				"common_issues":         p.CommonIssues,
				"suggested_improvement": p.SuggestedImprovement,
			})
		}
		out[KindErrorPatternsToAvoid] = patterns
	}
	for kind, raw := range s.Extra {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[kind] = v
		}
	}
	return out
}

// ExtractInsights runs the rule-based filter over a platform's changed
// fields. This is a pattern-matching heuristic, deliberately simple; no
// learning is involved.
func ExtractInsights(changes map[string]any, sourcePlatform string) *InsightSet {
	set := &InsightSet{}

	if prefs, ok := changes["learned_preferences"].(map[string]any); ok {
		if patterns, ok := prefs["coding_patterns"]; ok {
			set.CodingPatterns = patterns
		}
		if tools, ok := prefs["preferred_tools"]; ok {
			set.ToolRecommendations = &ToolRecommendations{
				Source: sourcePlatform,
				Tools:  tools,
			}
		}
	}

	if metrics, ok := changes["performance_metrics"].(map[string]any); ok {
		if rate, ok := asFloat(metrics["success_rate"]); ok && rate > 0.8 {
			set.SuccessfulPatterns = &SuccessfulPatterns{
				Source:   sourcePlatform,
				Patterns: metrics["successful_patterns"],
			}
		}
	}

	if history, ok := changes["interaction_history"].([]any); ok {
		set.ErrorPatternsToAvoid = analyzeErrorPatterns(history)
	}

	if set.Empty() {
		return nil
	}
	return set
}

// analyzeErrorPatterns scans interaction history for low-satisfaction
// entries (below 3 on the 1-5 scale).
func analyzeErrorPatterns(history []any) []ErrorPattern {
	var patterns []ErrorPattern
	for _, entry := range history {
		interaction, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		metadata, _ := interaction["metadata"].(map[string]any)
		satisfaction := 5.0
		if v, ok := asFloat(metadata["user_satisfaction"]); ok {
			satisfaction = v
		}
		if satisfaction >= 3 {
			continue
		}
		patterns = append(patterns, ErrorPattern{
			QueryType:            interaction["type"],
			CommonIssues:         metadata["issues"],
			SuggestedImprovement: metadata["improvement"],
		})
	}
	return patterns
}

// Static scoring tables. Unrecognized platforms and insight kinds fall
// back to 0.75 and 0.7 respectively.
var platformReliability = map[string]float64{
	"claude":  0.95,
	"chatgpt": 0.90,
	"copilot": 0.85,
	"custom":  0.75,
}

var insightKindWeights = map[string]float64{
	KindCodingPatterns:       0.9,
	KindErrorPatternsToAvoid: 0.95,
	KindSuccessfulPatterns:   0.85,
	KindToolRecommendations:  0.8,
}

const (
	baseConfidence           = 0.8
	defaultReliability       = 0.75
	defaultInsightKindWeight = 0.7
)

// ConfidenceScore is the heuristic
// min(reliability × max(base, weight per present kind), 1.0).
// The table-driven max-then-multiply shape is load-bearing; do not
// substitute a different formula.
func ConfidenceScore(set *InsightSet, sourcePlatform string) float64 {
	reliability, ok := platformReliability[sourcePlatform]
	if !ok {
		reliability = defaultReliability
	}

	weighted := baseConfidence
	for _, kind := range set.Kinds() {
		weight, ok := insightKindWeights[kind]
		if !ok {
			weight = defaultInsightKindWeight
		}
		if weight > weighted {
			weighted = weight
		}
	}

	score := reliability * weighted
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// platformStyles is the static table of response-style preferences per
// known platform, applied when adapting insights for a target.
var platformStyles = map[string]map[string]any{
	"claude": {
		"response_style":    "detailed_with_examples",
		"format_preference": "structured_markdown",
	},
	"chatgpt": {
		"response_style":    "conversational",
		"format_preference": "bullet_points",
	},
	"copilot": {
		"response_style":    "code_focused",
		"format_preference": "inline_comments",
	},
}

// AdaptInsightsForPlatform wraps each insight with source attribution
// and the target's style profile. Unknown targets receive the insights
// unmodified.
func AdaptInsightsForPlatform(set *InsightSet, targetPlatform, sourcePlatform string) map[string]any {
	insights := set.ToMap()
	style, known := platformStyles[targetPlatform]
	if !known {
		return insights
	}

	adapted := make(map[string]any, len(insights))
	for kind, value := range insights {
		adapted[kind] = map[string]any{
			"content":             value,
			"source_platform":     sourcePlatform,
			"adapted_for":         targetPlatform,
			"adaptation_metadata": style,
		}
	}
	return adapted
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
