package assemble

import "github.com/fyrsmithlabs/nutrictx/internal/embeddings"

// Intent is a coarse label for what a query asks. It frames prompts and
// feeds metrics; nothing branches on it for correctness.
type Intent string

const (
	IntentGoalAnalysis          Intent = "goal_analysis"
	IntentRecommendationRequest Intent = "recommendation_request"
	IntentProgressInquiry       Intent = "progress_inquiry"
	IntentGeneral               Intent = "general"
)

// intentRules are checked in order; the first rule with a matching token wins.
var intentRules = []struct {
	intent Intent
	tokens map[string]bool
}{
	{IntentGoalAnalysis, set("goal", "goals", "target", "targets", "deficit", "surplus", "lose", "losing", "gain", "gaining", "macros", "bulk", "cut")},
	{IntentRecommendationRequest, set("suggest", "suggestion", "suggestions", "recommend", "recommendation", "recommendations", "should", "ideas", "idea", "alternative", "alternatives")},
	{IntentProgressInquiry, set("progress", "trend", "trends", "improving", "improved", "doing", "compare", "compared", "week", "month", "lately")},
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// ClassifyIntent labels a query.
func ClassifyIntent(query string) Intent {
	tokens := embeddings.Tokenize(query)
	for _, rule := range intentRules {
		for _, tok := range tokens {
			if rule.tokens[tok] {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}
