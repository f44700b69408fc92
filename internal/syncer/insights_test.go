package syncer

import (
	"math"
	"testing"
)

func TestExtractInsightsFromPreferences(t *testing.T) {
	changes := map[string]any{
		"learned_preferences": map[string]any{
			"coding_patterns": map[string]any{"style": "table_driven_tests"},
			"preferred_tools": []any{"golangci-lint"},
		},
	}

	set := ExtractInsights(changes, "claude")
	if set == nil {
		t.Fatal("expected insights")
	}
	if set.CodingPatterns == nil {
		t.Fatal("coding patterns should be extracted")
	}
	if set.ToolRecommendations == nil || set.ToolRecommendations.Source != "claude" {
		t.Fatalf("tool recommendations should carry source attribution: %+v", set.ToolRecommendations)
	}
}

func TestExtractInsightsSuccessRateGate(t *testing.T) {
	low := map[string]any{
		"performance_metrics": map[string]any{
			"success_rate":        0.8,
			"successful_patterns": []any{"x"},
		},
	}
	if set := ExtractInsights(low, "chatgpt"); set != nil {
		t.Fatalf("rate of exactly 0.8 should not qualify, got %+v", set)
	}

	high := map[string]any{
		"performance_metrics": map[string]any{
			"success_rate":        0.92,
			"successful_patterns": []any{"incremental refactors"},
		},
	}
	set := ExtractInsights(high, "chatgpt")
	if set == nil || set.SuccessfulPatterns == nil {
		t.Fatal("rate above 0.8 should yield successful patterns")
	}
	if set.SuccessfulPatterns.Source != "chatgpt" {
		t.Fatalf("source = %q, want chatgpt", set.SuccessfulPatterns.Source)
	}
}

func TestExtractInsightsErrorPatterns(t *testing.T) {
	changes := map[string]any{
		"interaction_history": []any{
			map[string]any{
				"type": "code_review",
				"metadata": map[string]any{
					"user_satisfaction": 2.0,
					"issues":            "missed race condition",
					"improvement":       "run the race detector",
				},
			},
			map[string]any{
				"type":     "refactor",
				"metadata": map[string]any{"user_satisfaction": 4.0},
			},
			map[string]any{
				// No satisfaction recorded: assumed fine.
				"type": "question",
			},
		},
	}

	set := ExtractInsights(changes, "copilot")
	if set == nil {
		t.Fatal("expected insights")
	}
	if len(set.ErrorPatternsToAvoid) != 1 {
		t.Fatalf("error patterns = %d, want 1", len(set.ErrorPatternsToAvoid))
	}
	if set.ErrorPatternsToAvoid[0].QueryType != "code_review" {
		t.Fatalf("wrong interaction flagged: %+v", set.ErrorPatternsToAvoid[0])
	}
}

func TestExtractInsightsEmptyIsNil(t *testing.T) {
	if set := ExtractInsights(map[string]any{"platform_specific_data": map[string]any{}}, "claude"); set != nil {
		t.Fatalf("no matching fields should yield nil, got %+v", set)
	}
}

func TestConfidenceScore(t *testing.T) {
	cases := []struct {
		name     string
		set      *InsightSet
		platform string
		want     float64
	}{
		{
			name:     "claude error patterns",
			set:      &InsightSet{ErrorPatternsToAvoid: []ErrorPattern{{}}},
			platform: "claude",
			want:     0.95 * 0.95,
		},
		{
			name:     "chatgpt coding patterns",
			set:      &InsightSet{CodingPatterns: map[string]any{"a": 1}},
			platform: "chatgpt",
			want:     0.90 * 0.9,
		},
		{
			name:     "unknown platform falls back",
			set:      &InsightSet{CodingPatterns: map[string]any{"a": 1}},
			platform: "gemini",
			want:     0.75 * 0.9,
		},
		{
			name:     "no kinds uses base confidence",
			set:      &InsightSet{},
			platform: "claude",
			want:     0.95 * 0.8,
		},
		{
			name:     "tool recommendations below base keep base",
			set:      &InsightSet{ToolRecommendations: &ToolRecommendations{Source: "copilot"}},
			platform: "copilot",
			want:     0.85 * 0.8,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConfidenceScore(tc.set, tc.platform)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("ConfidenceScore = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAdaptInsightsForPlatform(t *testing.T) {
	set := &InsightSet{CodingPatterns: map[string]any{"style": "early returns"}}

	adapted := AdaptInsightsForPlatform(set, "chatgpt", "claude")
	wrapped, ok := adapted[KindCodingPatterns].(map[string]any)
	if !ok {
		t.Fatalf("insight should be wrapped for known targets: %v", adapted)
	}
	if wrapped["source_platform"] != "claude" || wrapped["adapted_for"] != "chatgpt" {
		t.Fatalf("wrong attribution: %v", wrapped)
	}
	style, _ := wrapped["adaptation_metadata"].(map[string]any)
	if style["response_style"] != "conversational" {
		t.Fatalf("chatgpt style profile not applied: %v", style)
	}

	// Unknown targets get the raw insights.
	raw := AdaptInsightsForPlatform(set, "gemini", "claude")
	plain, _ := raw[KindCodingPatterns].(map[string]any)
	if plain["style"] != "early returns" {
		t.Fatalf("unknown target should receive the insight as-is: %v", raw)
	}
	if _, hasMeta := plain["adaptation_metadata"]; hasMeta {
		t.Fatal("unknown target should not get a style wrapper")
	}
}
