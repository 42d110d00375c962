// Package assemble renders ranked retrieval results as a bounded context
// summary for a prompt builder.
package assemble

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
)

// EmptySummary is returned when nothing relevant was found.
const EmptySummary = "No personalized context available."

// Bucket is a human-readable grouping of results.
type Bucket string

const (
	BucketRecentMeals       Bucket = "recent_meals"
	BucketNutritionPatterns Bucket = "nutrition_patterns"
	BucketMealPlans         Bucket = "meal_plans"
	BucketPreferences       Bucket = "preferences"
	BucketAIInsights        Bucket = "ai_insights"
)

// Buckets lists every bucket in rendering order.
func Buckets() []Bucket {
	return []Bucket{BucketRecentMeals, BucketNutritionPatterns, BucketMealPlans, BucketPreferences, BucketAIInsights}
}

var bucketByType = map[nutrition.DataType]Bucket{
	nutrition.TypeFoodLog:          BucketRecentMeals,
	nutrition.TypeNutritionSummary: BucketNutritionPatterns,
	nutrition.TypeMealPlan:         BucketMealPlans,
	nutrition.TypeFavoriteFood:     BucketPreferences,
	nutrition.TypeChatTurn:         BucketAIInsights,
}

var bucketTitles = map[Bucket]string{
	BucketRecentMeals:       "Recent meals",
	BucketNutritionPatterns: "Nutrition patterns",
	BucketMealPlans:         "Meal plans",
	BucketPreferences:       "Preferences",
	BucketAIInsights:        "AI insights",
}

// BucketFor returns the bucket a data type renders into.
func BucketFor(dt nutrition.DataType) (Bucket, bool) {
	b, ok := bucketByType[dt]
	return b, ok
}

// Relevance labels an item's score band.
type Relevance string

const (
	RelevanceHigh   Relevance = "high"
	RelevanceMedium Relevance = "medium"
	RelevanceLow    Relevance = "low"
)

// Item is one rendered result.
type Item struct {
	ID        string             `json:"id"`
	EntityID  string             `json:"entity_id"`
	DataType  nutrition.DataType `json:"data_type"`
	Text      string             `json:"text"`
	Score     float32            `json:"score"`
	Relevance Relevance          `json:"relevance"`
	CreatedAt time.Time          `json:"created_at,omitzero"`
}

// Stats describes what went into a Context.
type Stats struct {
	TotalItems  int                  `json:"total_items"`
	DataTypes   []nutrition.DataType `json:"data_types"`
	QueryIntent Intent               `json:"query_intent"`
	Truncated   bool                 `json:"truncated"`
	Degraded    bool                 `json:"degraded"`
}

// Context is the assembled answer to a query.
type Context struct {
	Summary    string            `json:"summary"`
	RawContext map[Bucket][]Item `json:"raw_context"`
	Stats      Stats             `json:"stats"`
}

// TopBucket returns the bucket holding the highest scoring item.
func (c *Context) TopBucket() (Bucket, bool) {
	var (
		top   Bucket
		best  float32
		found bool
	)
	for _, b := range Buckets() {
		for _, it := range c.RawContext[b] {
			if !found || it.Score > best {
				top, best, found = b, it.Score, true
			}
		}
	}
	return top, found
}

// Config bounds the summary and sets the relevance bands.
type Config struct {
	MaxChars     int
	MaxPerBucket int
	HighBand     float64
	MediumBand   float64
}

// ConfigFrom maps the assemble section of the service config.
func ConfigFrom(cfg config.AssembleConfig) Config {
	return Config{
		MaxChars:     cfg.MaxChars,
		MaxPerBucket: cfg.MaxPerBucket,
		HighBand:     cfg.HighBand,
		MediumBand:   cfg.MediumBand,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
	if c.MaxPerBucket <= 0 {
		c.MaxPerBucket = 5
	}
	if c.HighBand <= 0 {
		c.HighBand = 0.8
	}
	if c.MediumBand <= 0 {
		c.MediumBand = 0.6
	}
}

// Assembler builds Contexts.
type Assembler struct {
	cfg Config
}

// New returns an assembler.
func New(cfg Config) *Assembler {
	cfg.applyDefaults()
	return &Assembler{cfg: cfg}
}

func (a *Assembler) relevance(score float32) Relevance {
	switch s := float64(score); {
	case s >= a.cfg.HighBand:
		return RelevanceHigh
	case s >= a.cfg.MediumBand:
		return RelevanceMedium
	default:
		return RelevanceLow
	}
}

// Assemble groups ranked results into buckets and renders the summary.
// Results are taken in order, so the highest scoring items win any cap.
// Every bucket is present in RawContext, possibly empty.
func (a *Assembler) Assemble(query string, out *retrieval.Outcome) *Context {
	ctx := &Context{
		RawContext: make(map[Bucket][]Item, len(Buckets())),
		Stats:      Stats{QueryIntent: ClassifyIntent(query), DataTypes: []nutrition.DataType{}},
	}
	for _, b := range Buckets() {
		ctx.RawContext[b] = []Item{}
	}

	var results []retrieval.Result
	if out != nil {
		results = out.Results
		ctx.Stats.Degraded = out.Degraded
	}

	grouped := make(map[Bucket][]Item)
	for _, r := range results {
		b, ok := BucketFor(r.Metadata.DataType)
		if !ok {
			continue
		}
		if len(grouped[b]) >= a.cfg.MaxPerBucket {
			ctx.Stats.Truncated = true
			continue
		}
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		grouped[b] = append(grouped[b], Item{
			ID:        r.ID,
			EntityID:  r.Metadata.EntityID,
			DataType:  r.Metadata.DataType,
			Text:      text,
			Score:     r.Score,
			Relevance: a.relevance(r.Score),
			CreatedAt: r.Metadata.CreatedAt,
		})
	}

	var sb strings.Builder
	seen := make(map[nutrition.DataType]bool)
	for _, b := range Buckets() {
		wroteHeader := false
		for _, it := range grouped[b] {
			line := renderItem(it)
			need := len(line)
			header := ""
			if !wroteHeader {
				header = renderHeader(b, sb.Len() > 0)
				need += len(header)
			}
			if sb.Len()+need > a.cfg.MaxChars {
				ctx.Stats.Truncated = true
				continue
			}
			sb.WriteString(header)
			sb.WriteString(line)
			wroteHeader = true

			ctx.RawContext[b] = append(ctx.RawContext[b], it)
			ctx.Stats.TotalItems++
			seen[it.DataType] = true
		}
	}

	for _, dt := range nutrition.AllDataTypes() {
		if seen[dt] {
			ctx.Stats.DataTypes = append(ctx.Stats.DataTypes, dt)
		}
	}

	if ctx.Stats.TotalItems == 0 {
		ctx.Summary = EmptySummary
		return ctx
	}
	ctx.Summary = strings.TrimRight(sb.String(), "\n")
	return ctx
}

func renderHeader(b Bucket, separate bool) string {
	if separate {
		return "\n" + bucketTitles[b] + ":\n"
	}
	return bucketTitles[b] + ":\n"
}

func renderItem(it Item) string {
	return "- [" + string(it.Relevance) + "] " + it.Text + "\n"
}
