package retrieval

import (
	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// Keywords maps each data type to the query tokens that select it. It is the
// only place query routing vocabulary lives.
var Keywords = map[nutrition.DataType][]string{
	nutrition.TypeFoodLog: {
		"ate", "eat", "eaten", "eating", "had", "logged", "log", "logs",
		"breakfast", "lunch", "dinner", "snack", "snacks", "consumed",
		"today", "yesterday", "tonight",
	},
	nutrition.TypeMealPlan: {
		"plan", "plans", "planned", "planning", "recipe", "recipes",
		"suggest", "suggestion", "suggestions", "menu", "prep", "cook",
		"schedule", "upcoming",
	},
	nutrition.TypeFavoriteFood: {
		"favorite", "favorites", "favourite", "favourites", "prefer",
		"preference", "preferences", "usual", "usually", "like", "love",
		"enjoy",
	},
	nutrition.TypeNutritionSummary: {
		"week", "weekly", "month", "monthly", "trend", "trends", "progress",
		"average", "averages", "summary", "overall", "pattern", "patterns",
		"goal", "goals",
	},
	nutrition.TypeChatTurn: {
		"advice", "advised", "told", "said", "recommended", "recommendation",
		"earlier", "conversation", "mentioned",
	},
}

// keywordIndex is the reverse of Keywords.
var keywordIndex = buildKeywordIndex(Keywords)

func buildKeywordIndex(table map[nutrition.DataType][]string) map[string][]nutrition.DataType {
	idx := make(map[string][]nutrition.DataType)
	for _, dt := range nutrition.AllDataTypes() {
		for _, kw := range table[dt] {
			idx[kw] = append(idx[kw], dt)
		}
	}
	return idx
}

// Classify returns the data types a query is about, in canonical order.
// Tokens are matched whole after lowercasing. A query matching nothing
// targets every type, so the result is never empty.
func Classify(query string) []nutrition.DataType {
	matched := make(map[nutrition.DataType]bool)
	for _, tok := range embeddings.Tokenize(query) {
		for _, dt := range keywordIndex[tok] {
			matched[dt] = true
		}
	}
	if len(matched) == 0 {
		return nutrition.AllDataTypes()
	}
	out := make([]nutrition.DataType, 0, len(matched))
	for _, dt := range nutrition.AllDataTypes() {
		if matched[dt] {
			out = append(out, dt)
		}
	}
	return out
}
