package nutrition

import (
	"fmt"
	"strconv"
	"time"
)

// Metadata keys shared by every chunk.
const (
	KeyUserID    = "user_id"
	KeyDataType  = "data_type"
	KeyEntityID  = "entity_id"
	KeyCreatedAt = "created_at"
)

// Envelope carries the fields every chunk has regardless of type.
type Envelope struct {
	UserID    string
	DataType  DataType
	EntityID  string
	CreatedAt time.Time
}

// Payload is the type-specific part of chunk metadata.
// Implementations are the *Payload types in this package.
type Payload interface {
	PayloadType() DataType
	encode(m map[string]string)
}

// Metadata is the typed form of the data stored next to a vector.
// It is flattened to a string map only when handed to a vector store.
type Metadata struct {
	Envelope
	Payload Payload
}

// FoodLogPayload describes a food log chunk.
type FoodLogPayload struct {
	FoodName string
	MealType string
	Calories float64
	ProteinG float64
	CarbsG   float64
	FatG     float64
}

func (FoodLogPayload) PayloadType() DataType { return TypeFoodLog }

func (p FoodLogPayload) encode(m map[string]string) {
	m["food_name"] = p.FoodName
	m["meal_type"] = p.MealType
	m["calories"] = formatFloat(p.Calories)
	m["protein_g"] = formatFloat(p.ProteinG)
	m["carbs_g"] = formatFloat(p.CarbsG)
	m["fat_g"] = formatFloat(p.FatG)
}

// MealPlanPayload describes a meal plan chunk.
type MealPlanPayload struct {
	PlanName  string
	StartDate time.Time
	EndDate   time.Time
	Days      int
}

func (MealPlanPayload) PayloadType() DataType { return TypeMealPlan }

func (p MealPlanPayload) encode(m map[string]string) {
	m["plan_name"] = p.PlanName
	m["start_date"] = formatTime(p.StartDate)
	m["end_date"] = formatTime(p.EndDate)
	m["days"] = strconv.Itoa(p.Days)
}

// FavoriteFoodPayload describes a favorite food chunk.
type FavoriteFoodPayload struct {
	FoodName string
	Category string
}

func (FavoriteFoodPayload) PayloadType() DataType { return TypeFavoriteFood }

func (p FavoriteFoodPayload) encode(m map[string]string) {
	m["food_name"] = p.FoodName
	m["category"] = p.Category
}

// SummaryPayload describes a nutrition summary chunk.
type SummaryPayload struct {
	Period      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	AvgCalories float64
}

func (SummaryPayload) PayloadType() DataType { return TypeNutritionSummary }

func (p SummaryPayload) encode(m map[string]string) {
	m["period"] = p.Period
	m["period_start"] = formatTime(p.PeriodStart)
	m["period_end"] = formatTime(p.PeriodEnd)
	m["avg_calories"] = formatFloat(p.AvgCalories)
}

// ChatTurnPayload describes a chat turn chunk.
type ChatTurnPayload struct {
	Role           string
	ConversationID string
}

func (ChatTurnPayload) PayloadType() DataType { return TypeChatTurn }

func (p ChatTurnPayload) encode(m map[string]string) {
	m["role"] = p.Role
	m["conversation_id"] = p.ConversationID
}

// ToMap flattens metadata for a vector store. Empty payload values are omitted.
func (md Metadata) ToMap() map[string]string {
	m := map[string]string{
		KeyUserID:    md.UserID,
		KeyDataType:  string(md.DataType),
		KeyEntityID:  md.EntityID,
		KeyCreatedAt: formatTime(md.CreatedAt),
	}
	if md.Payload != nil {
		payload := make(map[string]string, 6)
		md.Payload.encode(payload)
		for k, v := range payload {
			if v != "" {
				m[k] = v
			}
		}
	}
	return m
}

// MetadataFromMap rebuilds typed metadata from a vector store map.
func MetadataFromMap(m map[string]string) (Metadata, error) {
	dt, err := ParseDataType(m[KeyDataType])
	if err != nil {
		return Metadata{}, err
	}
	md := Metadata{Envelope: Envelope{
		UserID:    m[KeyUserID],
		DataType:  dt,
		EntityID:  m[KeyEntityID],
		CreatedAt: parseTime(m[KeyCreatedAt]),
	}}

	switch dt {
	case TypeFoodLog:
		md.Payload = FoodLogPayload{
			FoodName: m["food_name"],
			MealType: m["meal_type"],
			Calories: parseFloat(m["calories"]),
			ProteinG: parseFloat(m["protein_g"]),
			CarbsG:   parseFloat(m["carbs_g"]),
			FatG:     parseFloat(m["fat_g"]),
		}
	case TypeMealPlan:
		days, _ := strconv.Atoi(m["days"])
		md.Payload = MealPlanPayload{
			PlanName:  m["plan_name"],
			StartDate: parseTime(m["start_date"]),
			EndDate:   parseTime(m["end_date"]),
			Days:      days,
		}
	case TypeFavoriteFood:
		md.Payload = FavoriteFoodPayload{FoodName: m["food_name"], Category: m["category"]}
	case TypeNutritionSummary:
		md.Payload = SummaryPayload{
			Period:      m["period"],
			PeriodStart: parseTime(m["period_start"]),
			PeriodEnd:   parseTime(m["period_end"]),
			AvgCalories: parseFloat(m["avg_calories"]),
		}
	case TypeChatTurn:
		md.Payload = ChatTurnPayload{Role: m["role"], ConversationID: m["conversation_id"]}
	}
	return md, nil
}

// Validate checks that the envelope and payload agree.
func (md Metadata) Validate() error {
	if md.UserID == "" || md.EntityID == "" {
		return fmt.Errorf("%w: metadata missing user or entity id", ErrInvalidEntity)
	}
	if md.Payload != nil && md.Payload.PayloadType() != md.DataType {
		return fmt.Errorf("%w: payload %s does not match data type %s",
			ErrInvalidEntity, md.Payload.PayloadType(), md.DataType)
	}
	return nil
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
